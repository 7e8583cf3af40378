// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package console writes to the paravirtual console of the guest.
package console

import (
	"fmt"
	"sync"

	"github.com/siderolabs/talos-xenguest/pkg/evtchn"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/ring"
)

// Console is the output side of the console page. It is an io.Writer that
// never blocks: output that does not fit the ring is dropped and counted.
// Unlike the rest of the guest core it may be used from any goroutine, so it
// can back a log handler.
type Console struct {
	mu      sync.Mutex
	ring    *ring.ByteRing
	mux     *evtchn.Mux
	port    evtchn.Port
	written uint64
	dropped uint64
	err     error
}

// New maps the console page announced in the start info.
func New(hv hypercall.Hypervisor, mux *evtchn.Mux) (*Console, error) {
	info := hv.StartInfo()

	page, err := hv.MapFrame(info.ConsoleMFN)
	if err != nil {
		return nil, fmt.Errorf("error mapping console page: %w", err)
	}

	return &Console{
		ring: ring.NewFrontConsoleRing(page),
		mux:  mux,
		port: evtchn.Port(info.ConsoleEvtchn),
	}, nil
}

// Write implements io.Writer. It reports len(p) unless the ring is broken.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return 0, c.err
	}

	n, err := c.ring.Write(p)
	if err != nil {
		c.err = fmt.Errorf("console: %w", err)

		return 0, c.err
	}

	c.written += uint64(n)
	c.dropped += uint64(len(p) - n)

	if n > 0 {
		if err := c.mux.Notify(c.port); err != nil {
			return n, err
		}
	}

	return len(p), nil
}

// Stats returns the number of bytes written and dropped.
func (c *Console) Stats() (written, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.written, c.dropped
}
