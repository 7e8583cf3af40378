// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/sched"
	"github.com/siderolabs/talos-xenguest/pkg/xenstore"
)

const (
	shutdownNode = "control/shutdown"
	powerToken   = "power"
)

// requests the toolstack writes to control/shutdown.
var powerOps = map[string]hypercall.ShutdownReason{
	"poweroff": hypercall.ShutdownPoweroff,
	"halt":     hypercall.ShutdownPoweroff,
	"reboot":   hypercall.ShutdownReboot,
	"suspend":  hypercall.ShutdownSuspend,
	"crash":    hypercall.ShutdownCrash,
}

// advertised under control/ so the toolstack knows it may ask.
var powerFeatures = []string{"feature-poweroff", "feature-reboot", "feature-suspend"}

// Power represents the power integration (shutdown/reboot/etc.)
type Power struct {
	host   Host
	logger *slog.Logger
}

// NewPower creates a new power integration.
func NewPower(logger *slog.Logger, host Host) *Power {
	logger.Debug("initializing")

	return &Power{host: host, logger: logger}
}

// Register starts watching control/shutdown.
func (p *Power) Register(s *sched.Scheduler) {
	p.logger.Debug("registering")
	s.Spawn("power", p.run)
}

func (p *Power) run(t *sched.Thread) {
	store := p.host.Store()

	for _, f := range powerFeatures {
		if err := store.Write(t, xenstore.NoTx, "control/"+f, "1"); err != nil {
			p.logger.Warn("error advertising feature", "feature", f, "err", err)
		}
	}

	w, err := store.Watch(t, shutdownNode, powerToken)
	if err != nil {
		p.logger.Error("error watching for power requests", "err", err)

		return
	}

	defer store.Unwatch(t, w) //nolint:errcheck

	for {
		if _, err := store.WaitWatch(t, w); err != nil {
			p.logger.Debug("power watch stopped", "err", err)

			return
		}

		if p.handle(t, store) {
			return
		}
	}
}

// handle acknowledges and executes a pending request. It reports whether the
// domain was asked to stop.
func (p *Power) handle(t *sched.Thread, store *xenstore.Client) bool {
	var req string

	// clearing the request acknowledges it; the read and the clear are atomic
	// so a concurrent request is not lost
	err := store.Transact(t, func(tx xenstore.Tx) error {
		v, err := store.Read(t, tx, shutdownNode)
		if err != nil {
			return err
		}

		req = v

		if _, ok := powerOps[v]; !ok {
			return nil
		}

		return store.Write(t, tx, shutdownNode, "")
	})

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false
	case err != nil:
		p.logger.Error("error reading power request", "err", err)

		return false
	case req == "":
		return false
	}

	reason, ok := powerOps[req]
	if !ok {
		p.logger.Warn("ignoring unknown power request", "request", req)

		return false
	}

	l := p.logger.With("power_op", req)
	l.Info("handling power operation")

	if err := p.host.Shutdown(reason); err != nil {
		l.Error("error handling power operation", "err", err)

		return false
	}

	return true
}
