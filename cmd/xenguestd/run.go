// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/moby/sys/capability"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/talos-xenguest/internal/healthsrv"
	"github.com/siderolabs/talos-xenguest/internal/hvdetect"
	"github.com/siderolabs/talos-xenguest/internal/integration"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/netfront"
	"github.com/siderolabs/talos-xenguest/pkg/sched"
)

const (
	flagSkipXenDetection  = "skip-xen-detection"
	flagHealthAddr        = "health-addr"
	flagVifs              = "vifs"
	flagGuestInfoInterval = "guestinfo-interval"
	flagConsoleLog        = "console-log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "boot a guest and serve the toolstack until shutdown",
	Long:  "boots a guest on the loopback hypervisor, connects its network devices and handles power requests until it is shut down or signalled",
	Args:  cobra.NoArgs,
	RunE:  runGuest,
}

var errRunFailed = errors.New("error running guest")

func init() {
	pf := runCmd.PersistentFlags()
	pf.Bool(flagSkipXenDetection, false, "skip hypervisor detection")
	pf.String(flagHealthAddr, "", "address of the gRPC health endpoint, disabled when empty")
	pf.Int(flagVifs, 1, "network devices to attach")
	pf.Duration(flagGuestInfoInterval, 0, "how often guest info is republished (default 1m)")
	pf.Bool(flagConsoleLog, false, "copy the log to the guest console")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(runCmd)
}

func detect() {
	if viper.GetBool(flagSkipXenDetection) {
		logger.Info("skipping Xen environment detection")

		return
	}

	info, err := hvdetect.Detect("/")
	if err != nil {
		logger.Warn("error detecting hypervisor", "err", err)

		return
	}

	switch {
	case !info.Xen():
		logger.Info("not running under Xen, using the loopback hypervisor only", "hypervisor", info.Hypervisor)
	default:
		admin, err := hvdetect.HasCapability(capability.CAP_SYS_ADMIN)
		if err != nil {
			logger.Warn("error checking capabilities", "err", err)
		}

		logger.Info("running under Xen", "version", info.Version, "control_domain", info.Control, "cap_sys_admin", admin)
	}
}

//nolint:gocyclo,cyclop
func runGuest(cmd *cobra.Command, _ []string) error {
	detect()

	lm, err := bootLoopback(viper.GetInt(flagVifs))
	if err != nil {
		logger.Error("error booting guest", "err", err)

		return errRunFailed
	}

	defer func() {
		if err := lm.Close(); err != nil {
			logger.Warn("error during teardown", "err", err)
		}
	}()

	g := lm.guest

	if viper.GetBool(flagConsoleLog) {
		logger = newLogger(io.MultiWriter(os.Stdout, g.Console()), cmd.Name())
		logger.Debug("logging to the guest console")

		// the console page goes away with the machine
		defer func() { logger = newLogger(os.Stdout, cmd.Name()) }()
	}

	health := healthsrv.New(logger.With("module", "healthsrv"))

	integrations := []integration.Integration{
		integration.NewPower(logger.With("integration", "power"), g),
		integration.NewGuestInfo(logger.With("integration", "guestinfo"), g,
			integration.NewHostFacts(logger.With("integration", "hostfacts"), ""),
			viper.GetDuration(flagGuestInfoInterval)),
	}

	for _, i := range integrations {
		i.Register(g.Scheduler())
	}

	// graceful shutdown on SIGINT/SIGTERM: close the devices from a guest
	// thread, then stop the domain
	var stopping atomic.Bool

	sigCtx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	g.Scheduler().Spawn("netfront", func(t *sched.Thread) {
		var devs []*netfront.Device

		health.SetServing(healthsrv.ServiceXenstore, g.Store().Err() == nil)

		for i := range lm.vifs {
			dev, err := g.AttachNetwork(t, i, nil)
			if err != nil {
				logger.Error("error attaching network device", "vif", i, "err", err)

				continue
			}

			devs = append(devs, dev)
		}

		health.SetServing(healthsrv.ServiceNetfront, len(devs) == len(lm.vifs))
		health.SetServing(healthsrv.ServiceOverall, true)

		t.WaitEvent(sched.NewWaitQueue(), stopping.Load)

		health.SetServing(healthsrv.ServiceOverall, false)

		for _, dev := range devs {
			if err := dev.Close(t); err != nil {
				logger.Warn("error closing network device", "err", err)
			}
		}

		if err := g.Shutdown(hypercall.ShutdownPoweroff); err != nil {
			logger.Error("error shutting down", "err", err)
		}
	})

	eg, ctx := errgroup.WithContext(cmd.Context())
	runCtx, cancelRun := context.WithCancel(ctx)

	eg.Go(func() error {
		defer cancelRun()

		return g.Run(ctx)
	})

	eg.Go(func() error {
		select {
		case <-sigCtx.Done():
			logger.Debug("signal received")
			stopping.Store(true)
			g.Scheduler().Interrupt()
		case <-runCtx.Done():
		}

		return nil
	})

	if addr := viper.GetString(flagHealthAddr); addr != "" {
		eg.Go(func() error {
			return health.Listen(runCtx, addr)
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("%w: %w", errRunFailed, err)
	}

	logger.Info("graceful shutdown done, fair winds!")

	return nil
}
