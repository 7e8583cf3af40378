// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/siderolabs/talos-xenguest/pkg/gnttab"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/netfront"
	"github.com/siderolabs/talos-xenguest/pkg/netfront/netif"
	"github.com/siderolabs/talos-xenguest/pkg/ring"
	"github.com/siderolabs/talos-xenguest/pkg/sched"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "boot a guest, attach one network device and print resource usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		lm, err := bootLoopback(1)
		if err != nil {
			return err
		}

		defer lm.Close() //nolint:errcheck

		g := lm.guest

		var (
			report status
			devErr error
		)

		g.Scheduler().Spawn("status", func(t *sched.Thread) {
			var dev *netfront.Device

			dev, devErr = g.AttachNetwork(t, 0, nil)

			report = status{
				domid:     uint32(g.DomID()),
				grants:    g.Grants().Stats(),
				ports:     len(g.Events().Bound()),
				threads:   g.Scheduler().Stats().Threads,
				freePages: lm.m.Arena().FreeFrames(),
				pages:     lm.m.Arena().Frames(),
			}

			if devErr == nil {
				report.mac = dev.MAC()
				devErr = dev.Close(t)
			}

			if err := g.Shutdown(hypercall.ShutdownPoweroff); err != nil {
				logger.Warn("error shutting down", "err", err)
			}
		})

		if err := g.Run(cmd.Context()); err != nil {
			return err
		}

		if devErr != nil {
			logger.Warn("network device", "err", devErr)
		}

		report.consoleWritten, report.consoleDropped = g.Console().Stats()

		return report.print(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type status struct {
	grants    gnttab.Stats
	mac       string
	domid     uint32
	ports     int
	threads   int
	freePages int
	pages     int

	consoleWritten, consoleDropped uint64
}

func (s status) print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	rows := [][2]string{
		{"domain", fmt.Sprint(s.domid)},
		{"grant table", fmt.Sprintf("%s entries, %s in use, %s",
			humanize.Comma(int64(s.grants.Total)), humanize.Comma(int64(s.grants.InUse)), humanize.IBytes(uint64(s.grants.Bytes)))},
		{"bound ports", humanize.Comma(int64(s.ports))},
		{"threads", humanize.Comma(int64(s.threads))},
		{"memory", fmt.Sprintf("%s free of %s", humanize.IBytes(uint64(s.freePages)*shmem.PageSize), humanize.IBytes(uint64(s.pages)*shmem.PageSize))},
		{"netif tx ring", fmt.Sprintf("%d slots", ring.Size(netif.TxSlotSize))},
		{"netif rx ring", fmt.Sprintf("%d slots", ring.Size(netif.RxSlotSize))},
		{"store ring", humanize.IBytes(ring.ByteRingSize) + " each way"},
		{"console", fmt.Sprintf("%s written, %s dropped", humanize.IBytes(s.consoleWritten), humanize.IBytes(s.consoleDropped))},
		{"vif0 mac", s.mac},
	}

	for _, r := range rows {
		if _, err := fmt.Fprintf(tw, "%s\t%s\n", r[0], r[1]); err != nil {
			return err
		}
	}

	return tw.Flush()
}
