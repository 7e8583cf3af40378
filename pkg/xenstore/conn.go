// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package xenstore

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/siderolabs/talos-xenguest/pkg/evtchn"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/ring"
	"github.com/siderolabs/talos-xenguest/pkg/sched"
)

var (
	// ErrConnectionBroken is returned once the store ring has been found corrupt.
	ErrConnectionBroken = errors.New("xenstore connection broken")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("xenstore connection closed")
)

// Conn is the byte channel to the store: the shared store page and its
// event channel.
type Conn struct {
	ring   *ring.ByteRing
	mux    *evtchn.Mux
	port   evtchn.Port
	events *sched.WaitQueue
	logger *slog.Logger

	err    error
	closed bool
	kicks  uint64
}

// NewConn maps the store page named in the start info and binds its port.
func NewConn(hv hypercall.Hypervisor, mux *evtchn.Mux, logger *slog.Logger) (*Conn, error) {
	start := hv.StartInfo()

	page, err := hv.MapFrame(start.StoreMFN)
	if err != nil {
		return nil, fmt.Errorf("error mapping store page: %w", err)
	}

	c := &Conn{
		ring:   ring.NewFrontByteRing(page),
		mux:    mux,
		port:   evtchn.Port(start.StoreEvtchn),
		events: sched.NewWaitQueue(),
		logger: logger.With("module", "xenstore", "port", start.StoreEvtchn),
	}

	if err := mux.Bind(c.port, c.handleEvent); err != nil {
		return nil, fmt.Errorf("error binding store port: %w", err)
	}

	return c, nil
}

func (c *Conn) handleEvent(evtchn.Port) {
	c.kicks++
	c.events.WakeUp()
}

// Port returns the store event channel.
func (c *Conn) Port() evtchn.Port {
	return c.port
}

// Err returns the error that broke the connection, if any.
func (c *Conn) Err() error {
	switch {
	case c.err != nil:
		return c.err
	case c.closed:
		return ErrClosed
	}

	return nil
}

func (c *Conn) fail(err error) error {
	if c.err == nil {
		c.logger.Error("store ring protocol violation", "err", err)
		c.err = fmt.Errorf("%w: %w", ErrConnectionBroken, err)
		c.events.WakeUp()
	}

	return c.err
}

// Write copies as much of p as fits into the request ring and notifies the
// store. It never blocks.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.Err(); err != nil {
		return 0, err
	}

	n, err := c.ring.Write(p)
	if err != nil {
		return 0, c.fail(err)
	}

	if n > 0 {
		if err := c.mux.Notify(c.port); err != nil {
			return n, err
		}
	}

	return n, nil
}

// Read copies available reply bytes into p and notifies the store that
// space was freed. It never blocks.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.Err(); err != nil {
		return 0, err
	}

	n, err := c.ring.Read(p)
	if err != nil {
		return 0, c.fail(err)
	}

	if n > 0 {
		if err := c.mux.Notify(c.port); err != nil {
			return n, err
		}
	}

	return n, nil
}

func (c *Conn) writable() bool {
	n, err := c.ring.Writable()

	return err != nil || n > 0 || c.closed
}

func (c *Conn) readable() bool {
	n, err := c.ring.Readable()

	return err != nil || n > 0 || c.closed
}

// WriteAll writes all of p, waiting for ring space as needed.
func (c *Conn) WriteAll(t *sched.Thread, p []byte) error {
	for len(p) > 0 {
		n, err := c.Write(p)
		if err != nil {
			return err
		}

		p = p[n:]

		if n == 0 {
			t.WaitEvent(c.events, c.writable)
		}
	}

	return nil
}

// ReadFull fills p, waiting for replies as needed.
func (c *Conn) ReadFull(t *sched.Thread, p []byte) error {
	for len(p) > 0 {
		n, err := c.Read(p)
		if err != nil {
			return err
		}

		p = p[n:]

		if n == 0 {
			t.WaitEvent(c.events, c.readable)
		}
	}

	return nil
}

// Close unbinds the store port. Blocked readers and writers return ErrClosed.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}

	c.closed = true
	c.events.WakeUp()

	return c.mux.Unbind(c.port)
}
