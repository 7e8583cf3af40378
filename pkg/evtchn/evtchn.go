// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package evtchn demultiplexes hypervisor event channel notifications.
//
// The hypervisor marks ports pending in a two-level bitmap inside the
// shared_info page and raises an upcall. Poll drains that bitmap and runs the
// handler bound to each pending, unmasked port. Handlers run in the context of
// whoever calls Poll (normally the scheduler loop) and must not block; heavy
// work is deferred to a thread woken through the Kicker.
package evtchn

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/hashicorp/go-multierror"

	"github.com/siderolabs/talos-xenguest/internal/util"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
)

// NumPorts is the number of ports the multiplexer manages.
const NumPorts = 1024

// Port is an event channel port.
type Port uint32

// Handler is called for a pending port.
type Handler func(Port)

// Kicker is told after every dispatch pass that delivered at least one event,
// so blocked waiters get their conditions re-evaluated.
type Kicker interface {
	Kick()
}

var (
	// ErrAllocationFailed is returned when the hypervisor refuses to allocate a port.
	ErrAllocationFailed = errors.New("event channel allocation failed")

	// ErrInvalidPort is returned for ports outside [0, NumPorts).
	ErrInvalidPort = errors.New("invalid event channel port")
)

// Mux is the event channel multiplexer. There is one per guest.
type Mux struct {
	hv     hypercall.Hypervisor
	shared *hypercall.SharedInfo
	logger *slog.Logger
	kicker Kicker

	handlers [NumPorts]Handler
	counts   [NumPorts]uint64
	bound    [NumPorts / 64]uint64
}

// New maps the shared_info page and masks every port.
func New(hv hypercall.Hypervisor, logger *slog.Logger) (*Mux, error) {
	page, err := hv.MapFrame(hv.StartInfo().SharedInfo)
	if err != nil {
		return nil, fmt.Errorf("error mapping shared info: %w", err)
	}

	shared, err := hypercall.NewSharedInfo(page)
	if err != nil {
		return nil, err
	}

	m := &Mux{
		hv:     hv,
		shared: shared,
		logger: logger,
	}

	for p := range Port(NumPorts) {
		m.shared.SetMask(uint32(p))
	}

	return m, nil
}

// SetKicker registers the component woken after dispatch passes.
func (m *Mux) SetKicker(k Kicker) {
	m.kicker = k
}

func (m *Mux) valid(port Port) error {
	if port >= NumPorts {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	return nil
}

// AllocUnbound asks the hypervisor for a fresh port that remote can bind to.
// The port is masked and has no handler until Bind is called.
func (m *Mux) AllocUnbound(remote hypercall.DomID) (Port, error) {
	op := &hypercall.EvtchnAllocUnbound{Dom: hypercall.DomIDSelf, Remote: remote}

	if err := m.hv.Call(op); err != nil {
		m.logger.Error("alloc_unbound failed", "remote_domid", remote, "err", err)

		return 0, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	port := Port(op.Port)
	if err := m.valid(port); err != nil {
		m.closePort(port) //nolint:errcheck

		return 0, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	m.logger.Debug("allocated unbound port", "port", port, "remote_domid", remote)

	return port, nil
}

// BindInterdomain connects to remotePort of remote and returns the local port.
func (m *Mux) BindInterdomain(remote hypercall.DomID, remotePort Port) (Port, error) {
	op := &hypercall.EvtchnBindInterdomain{Remote: remote, RemotePort: uint32(remotePort)}

	if err := m.hv.Call(op); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	port := Port(op.LocalPort)
	if err := m.valid(port); err != nil {
		m.closePort(port) //nolint:errcheck

		return 0, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	return port, nil
}

// Bind registers h for port and unmasks it. An existing handler is replaced.
func (m *Mux) Bind(port Port, h Handler) error {
	if err := m.valid(port); err != nil {
		return err
	}

	if m.handlers[port] != nil {
		m.logger.Warn("handler already registered, replacing", "port", port)
	}

	m.handlers[port] = h
	m.bound[port/64] |= 1 << (port % 64)
	m.shared.ClearMask(uint32(port))

	return nil
}

// Unbind masks port, drops its handler and closes it with the hypervisor.
func (m *Mux) Unbind(port Port) error {
	if err := m.valid(port); err != nil {
		return err
	}

	if m.handlers[port] == nil {
		m.logger.Warn("no handler registered when unbinding", "port", port)
	}

	m.shared.SetMask(uint32(port))
	m.shared.ClearPending(uint32(port))
	m.handlers[port] = nil
	m.bound[port/64] &^= 1 << (port % 64)

	return m.closePort(port)
}

func (m *Mux) closePort(port Port) error {
	if err := m.hv.Call(&hypercall.EvtchnClose{Port: uint32(port)}); err != nil {
		m.logger.Warn("close port failed, ignored", "port", port, "err", err)

		return fmt.Errorf("error closing port %d: %w", port, err)
	}

	return nil
}

// UnbindAll unbinds every bound port except those in keep.
func (m *Mux) UnbindAll(keep ...Port) error {
	var result *multierror.Error

outer:
	for _, port := range m.Bound() {
		for _, k := range keep {
			if k == port {
				continue outer
			}
		}

		m.logger.Debug("port still bound", "port", port)

		if err := m.Unbind(port); err != nil {
			result = multierror.Append(result, err)
		}
	}

	m.shared.ClearUpcallPending()

	return result.ErrorOrNil()
}

// Mask suppresses delivery of port without clearing its pending state.
func (m *Mux) Mask(port Port) error {
	if err := m.valid(port); err != nil {
		return err
	}

	m.shared.SetMask(uint32(port))

	return nil
}

// Unmask re-enables delivery of port. If it became pending while masked it
// is delivered on the next Poll.
func (m *Mux) Unmask(port Port) error {
	if err := m.valid(port); err != nil {
		return err
	}

	m.shared.ClearMask(uint32(port))

	return nil
}

// Notify signals the remote end of port.
func (m *Mux) Notify(port Port) error {
	if err := m.hv.Call(&hypercall.EvtchnSend{Port: uint32(port)}); err != nil {
		return fmt.Errorf("error notifying port %d: %w", port, err)
	}

	return nil
}

// Trigger marks a local port pending without involving the remote end.
func (m *Mux) Trigger(port Port) error {
	if err := m.valid(port); err != nil {
		return err
	}

	m.shared.Raise(uint32(port))

	return nil
}

// Pending reports whether port is pending.
func (m *Mux) Pending(port Port) bool {
	return port < NumPorts && m.shared.TestPending(uint32(port))
}

// UpcallPending reports whether any unmasked port has been raised since the
// last Poll.
func (m *Mux) UpcallPending() bool {
	return m.shared.UpcallPending()
}

// Count returns how often port has been dispatched.
func (m *Mux) Count(port Port) uint64 {
	if port >= NumPorts {
		return 0
	}

	return m.counts[port]
}

// Bound returns the ports with a handler.
func (m *Mux) Bound() []Port {
	var ports []Port

	for w, word := range m.bound {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			word &^= 1 << b
			ports = append(ports, Port(w*64+b))
		}
	}

	return ports
}

// Poll dispatches every pending, unmasked port and returns how many were
// dispatched. With nothing pending it changes no state.
func (m *Mux) Poll() int {
	if m.shared.PendingSel() == 0 {
		if m.shared.UpcallPending() {
			m.shared.ClearUpcallPending()
		}

		return 0
	}

	m.shared.ClearUpcallPending()

	sel := m.shared.SwapPendingSel()
	n := 0

	for sel != 0 {
		w := bits.TrailingZeros64(sel)
		sel &^= 1 << w

		pending := m.shared.PendingWord(w) &^ m.shared.MaskWord(w)

		for pending != 0 {
			b := bits.TrailingZeros64(pending)
			pending &^= 1 << b

			m.dispatch(uint32(w*64 + b))
			n++
		}
	}

	if n > 0 && m.kicker != nil {
		m.kicker.Kick()
	}

	return n
}

func (m *Mux) dispatch(raw uint32) {
	// Clear first: a notification arriving while the handler runs re-pends
	// the port and is picked up by the next pass.
	m.shared.ClearPending(raw)

	if raw >= NumPorts {
		m.logger.Warn("port number too large", "port", raw)

		return
	}

	port := Port(raw)
	m.counts[port]++

	h := m.handlers[port]
	if h == nil {
		util.TraceLog(m.logger, "event received on unbound port", "port", port)

		return
	}

	h(port)
}
