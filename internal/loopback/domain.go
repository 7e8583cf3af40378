// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"bytes"
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

const (
	maxPorts       = 1024
	maxGrantFrames = 32
)

type portKind int

const (
	portFree portKind = iota
	portUnbound
	portInterdomain
)

type portState struct {
	kind       portKind
	remoteDom  hypercall.DomID
	remotePort uint32
}

// Domain is one simulated domain. It implements hypercall.Hypervisor for the
// code running inside it.
type Domain struct {
	m      *Machine
	id     hypercall.DomID
	logger *slog.Logger

	sharedPage shmem.Page
	shared     *hypercall.SharedInfo
	start      hypercall.StartInfo

	// guarded by m.mu
	ports       [maxPorts]portState
	grantFrames []shmem.Page
	pins        map[pinKey]int
	calls       map[string]int

	wakeMu      sync.Mutex
	wake        chan struct{}
	interrupted atomic.Bool

	consoleMu sync.Mutex
	console   bytes.Buffer

	shutdownOnce sync.Once
	dead         chan struct{}
	reason       hypercall.ShutdownReason
}

// ID returns the domain id.
func (d *Domain) ID() hypercall.DomID {
	return d.id
}

// StartInfo implements hypercall.Hypervisor.
func (d *Domain) StartInfo() hypercall.StartInfo {
	return d.start
}

// Now implements hypercall.Hypervisor.
func (d *Domain) Now() time.Duration {
	return d.m.Now()
}

// MapFrame implements hypercall.Hypervisor.
func (d *Domain) MapFrame(f shmem.Frame) (shmem.Page, error) {
	return d.m.arena.Page(f)
}

// Interrupt makes the current or next SCHEDOP_poll return early.
func (d *Domain) Interrupt() {
	d.interrupted.Store(true)
	d.broadcast()
}

// Calls returns how many times the named operation was issued.
func (d *Domain) Calls(name string) int {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	return d.calls[name]
}

// Done is closed once the domain has shut down.
func (d *Domain) Done() <-chan struct{} {
	return d.dead
}

// ShutdownReason returns the reason passed to SCHEDOP_shutdown.
func (d *Domain) ShutdownReason() (hypercall.ShutdownReason, bool) {
	select {
	case <-d.dead:
		return d.reason, true
	default:
		return 0, false
	}
}

// Call implements hypercall.Hypervisor.
func (d *Domain) Call(op hypercall.Op) error {
	d.m.mu.Lock()
	d.calls[op.Name()]++
	d.m.mu.Unlock()

	var err error

	switch o := op.(type) {
	case *hypercall.EvtchnAllocUnbound:
		if o.Dom != hypercall.DomIDSelf && o.Dom != d.id {
			err = hypercall.EPERM

			break
		}

		o.Port, err = d.allocUnbound(o.Remote)
	case *hypercall.EvtchnBindInterdomain:
		o.LocalPort, err = d.bindInterdomain(o.Remote, o.RemotePort)
	case *hypercall.EvtchnClose:
		err = d.closePort(o.Port)
	case *hypercall.EvtchnSend:
		err = d.send(o.Port)
	case *hypercall.GnttabSetupTable:
		err = d.setupTable(o)
	case *hypercall.SchedYield:
		runtime.Gosched()
	case *hypercall.SchedPoll:
		d.poll(o)
	case *hypercall.SchedShutdown:
		d.shutdown(o.Reason)
	default:
		err = hypercall.ENOSYS
	}

	if err != nil {
		return &hypercall.OpError{Op: op.Name(), Err: err}
	}

	return nil
}

func (d *Domain) freePort() (uint32, bool) {
	// port 0 is never handed out
	for p := uint32(1); p < maxPorts; p++ {
		if d.ports[p].kind == portFree {
			return p, true
		}
	}

	return 0, false
}

func (d *Domain) allocUnbound(remote hypercall.DomID) (uint32, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	if remote == hypercall.DomIDSelf {
		remote = d.id
	}

	if _, ok := d.m.domains[remote]; !ok {
		return 0, hypercall.ESRCH
	}

	p, ok := d.freePort()
	if !ok {
		return 0, hypercall.ENOSPC
	}

	d.ports[p] = portState{kind: portUnbound, remoteDom: remote}

	return p, nil
}

func (d *Domain) bindInterdomain(remote hypercall.DomID, remotePort uint32) (uint32, error) {
	d.m.mu.Lock()

	if remote == hypercall.DomIDSelf {
		remote = d.id
	}

	rd, ok := d.m.domains[remote]
	if !ok {
		d.m.mu.Unlock()

		return 0, hypercall.ESRCH
	}

	if remotePort == 0 || remotePort >= maxPorts {
		d.m.mu.Unlock()

		return 0, hypercall.EINVAL
	}

	if rs := rd.ports[remotePort]; rs.kind != portUnbound || rs.remoteDom != d.id {
		d.m.mu.Unlock()

		return 0, hypercall.EINVAL
	}

	p, ok := d.freePort()
	if !ok {
		d.m.mu.Unlock()

		return 0, hypercall.ENOSPC
	}

	d.ports[p] = portState{kind: portInterdomain, remoteDom: remote, remotePort: remotePort}
	rd.ports[remotePort] = portState{kind: portInterdomain, remoteDom: d.id, remotePort: p}

	d.m.mu.Unlock()

	// the new local port starts pending so nothing sent before the bind is lost
	d.raise(p)

	return p, nil
}

func (d *Domain) closePort(p uint32) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	if p == 0 || p >= maxPorts || d.ports[p].kind == portFree {
		return hypercall.EINVAL
	}

	if st := d.ports[p]; st.kind == portInterdomain {
		if rd, ok := d.m.domains[st.remoteDom]; ok {
			rd.ports[st.remotePort] = portState{kind: portUnbound, remoteDom: d.id}
		}
	}

	d.ports[p] = portState{}

	return nil
}

func (d *Domain) send(p uint32) error {
	d.m.mu.Lock()

	if p >= maxPorts {
		d.m.mu.Unlock()

		return hypercall.EINVAL
	}

	st := d.ports[p]
	rd := d.m.domains[st.remoteDom]

	d.m.mu.Unlock()

	switch st.kind {
	case portFree:
		return hypercall.EINVAL
	case portUnbound:
		return nil
	case portInterdomain:
		if rd != nil {
			rd.raise(st.remotePort)
		}
	}

	return nil
}

func (d *Domain) setupTable(o *hypercall.GnttabSetupTable) error {
	if o.Dom != hypercall.DomIDSelf && o.Dom != d.id {
		o.Status = hypercall.GrantBadDomain

		return nil
	}

	if o.NrFrames == 0 || o.NrFrames > maxGrantFrames {
		o.Status = hypercall.GrantGeneralError

		return nil
	}

	if len(o.Frames) < int(o.NrFrames) {
		return hypercall.EINVAL
	}

	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	for len(d.grantFrames) < int(o.NrFrames) {
		p, err := d.m.arena.AllocPage()
		if err != nil {
			o.Status = hypercall.GrantGeneralError

			return nil //nolint:nilerr
		}

		d.grantFrames = append(d.grantFrames, p)
	}

	for i := range o.NrFrames {
		o.Frames[i] = d.grantFrames[i].Frame()
	}

	o.Status = hypercall.GrantOK

	return nil
}

// poll blocks until one of the ports is pending, the timeout passes or
// anything wakes the domain. Early returns are allowed.
func (d *Domain) poll(o *hypercall.SchedPoll) {
	wake := d.wakeChan()

	if d.interrupted.Swap(false) || d.shared.UpcallPending() {
		return
	}

	for _, p := range o.Ports {
		if p < maxPorts && d.shared.TestPending(p) {
			return
		}
	}

	var timeout <-chan time.Time

	if o.Timeout != 0 {
		left := time.Duration(o.Timeout) - d.Now()
		if left <= 0 {
			return
		}

		t := time.NewTimer(left)
		defer t.Stop()

		timeout = t.C
	}

	select {
	case <-wake:
	case <-timeout:
	case <-d.dead:
	case <-d.m.ctx.Done():
	}
}

func (d *Domain) shutdown(reason hypercall.ShutdownReason) {
	d.shutdownOnce.Do(func() {
		d.reason = reason
		close(d.dead)

		d.logger.Info("domain shut down", "reason", reason)
	})
}

func (d *Domain) raise(port uint32) {
	d.shared.Raise(port)
	d.broadcast()
}

func (d *Domain) wakeChan() chan struct{} {
	d.wakeMu.Lock()
	defer d.wakeMu.Unlock()

	return d.wake
}

func (d *Domain) broadcast() {
	d.wakeMu.Lock()
	defer d.wakeMu.Unlock()

	close(d.wake)
	d.wake = make(chan struct{})
}

// WaitPort blocks until port is pending and clears it. Back-ends running in
// this domain use it instead of an event channel multiplexer.
func (d *Domain) WaitPort(ctx context.Context, port uint32) error {
	for {
		wake := d.wakeChan()

		if d.shared.TestPending(port) {
			d.shared.ClearPending(port)

			return nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Notify sends an event on a local port.
func (d *Domain) Notify(port uint32) error {
	return d.Call(&hypercall.EvtchnSend{Port: port})
}

// BindInterdomain binds a local port to remotePort of remote.
func (d *Domain) BindInterdomain(remote hypercall.DomID, remotePort uint32) (uint32, error) {
	op := &hypercall.EvtchnBindInterdomain{Remote: remote, RemotePort: remotePort}

	if err := d.Call(op); err != nil {
		return 0, err
	}

	return op.LocalPort, nil
}

// ClosePort closes a local port.
func (d *Domain) ClosePort(port uint32) error {
	return d.Call(&hypercall.EvtchnClose{Port: port})
}
