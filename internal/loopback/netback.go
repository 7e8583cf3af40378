// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/netfront/netif"
	"github.com/siderolabs/talos-xenguest/pkg/ring"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

// Xenbus states as written to the store.
const (
	stateInitialising = "1"
	stateInitWait     = "2"
	stateConnected    = "4"
	stateClosing      = "5"
	stateClosed       = "6"
)

// ErrFrameTooLarge is returned by Inject for frames that do not fit a page.
var ErrFrameTooLarge = errors.New("frame larger than a page")

// Vif is a network back-end serving one guest interface. Frames the guest
// transmits show up on Transmitted; Inject queues frames for the guest.
type Vif struct {
	m      *Machine
	guest  *Domain
	logger *slog.Logger

	frontend string
	backend  string
	mac      string

	sent chan []byte
	kick chan struct{}

	mu      sync.Mutex
	pending [][]byte
	stats   VifStats
}

// VifStats counts back-end activity.
type VifStats struct {
	TxFrames  uint64
	TxErrors  uint64
	TxDropped uint64
	RxFrames  uint64
	RxErrors  uint64
}

// AddVif publishes device/vif/<index> for guest and starts its back-end,
// which waits for the front-end to reach Connected.
func (m *Machine) AddVif(guest *Domain, index int) *Vif {
	v := &Vif{
		m:        m,
		guest:    guest,
		logger:   m.logger.With("module", "netback", "domid", guest.id, "vif", index),
		frontend: fmt.Sprintf("%s/device/vif/%d", DomainPath(guest.id), index),
		backend:  fmt.Sprintf("%s/backend/vif/%d/%d", DomainPath(0), guest.id, index),
		mac:      fmt.Sprintf("00:16:3e:%02x:%02x:%02x", byte(guest.id>>8), byte(guest.id), byte(index)),
		sent:     make(chan []byte, 256),
		kick:     make(chan struct{}, 1),
	}

	s := m.store

	s.Write(v.backend+"/frontend", v.frontend)
	s.Write(v.backend+"/frontend-id", strconv.Itoa(int(guest.id)))
	s.Write(v.backend+"/mac", v.mac)
	s.Write(v.backend+"/state", stateInitWait)
	s.Write(v.frontend+"/backend", v.backend)
	s.Write(v.frontend+"/backend-id", "0")
	s.Write(v.frontend+"/mac", v.mac)
	s.Write(v.frontend+"/handle", strconv.Itoa(index))
	s.Write(v.frontend+"/state", stateInitialising)

	m.spawn(v.run)

	return v
}

// MAC returns the hardware address assigned to the interface.
func (v *Vif) MAC() string {
	return v.mac
}

// FrontendPath returns the store directory of the guest side.
func (v *Vif) FrontendPath() string {
	return v.frontend
}

// BackendPath returns the store directory of the back-end.
func (v *Vif) BackendPath() string {
	return v.backend
}

// Transmitted delivers frames sent by the guest.
func (v *Vif) Transmitted() <-chan []byte {
	return v.sent
}

// Stats returns a snapshot of the counters.
func (v *Vif) Stats() VifStats {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.stats
}

// Inject queues a frame for delivery to the guest.
func (v *Vif) Inject(frame []byte) error {
	if len(frame) > shmem.PageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	v.mu.Lock()
	v.pending = append(v.pending, bytes.Clone(frame))
	v.mu.Unlock()

	select {
	case v.kick <- struct{}{}:
	default:
	}

	return nil
}

// WaitConnected blocks until the back-end has connected.
func (v *Vif) WaitConnected(ctx context.Context) error {
	_, err := v.m.store.Wait(ctx, v.backend+"/state", func(s string, _ bool) bool { return s == stateConnected })

	return err
}

type vifConn struct {
	tx, rx     *ring.BackRing
	txMap      *Mapping
	rxMap      *Mapping
	port       uint32
	dom0       *Domain
	guestDomID hypercall.DomID
}

func (v *Vif) readUint(key string) (uint32, error) {
	s, ok := v.m.store.Read(v.frontend + "/" + key)
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", key, s, err)
	}

	return uint32(n), nil
}

func (v *Vif) connect() (*vifConn, error) {
	txRef, err := v.readUint("tx-ring-ref")
	if err != nil {
		return nil, err
	}

	rxRef, err := v.readUint("rx-ring-ref")
	if err != nil {
		return nil, err
	}

	evtchn, err := v.readUint("event-channel")
	if err != nil {
		return nil, err
	}

	dom0 := v.m.Control()

	txMap, err := dom0.MapGrant(v.guest.id, txRef, false)
	if err != nil {
		return nil, err
	}

	rxMap, err := dom0.MapGrant(v.guest.id, rxRef, false)
	if err != nil {
		txMap.Unmap()

		return nil, err
	}

	port, err := dom0.BindInterdomain(v.guest.id, evtchn)
	if err != nil {
		txMap.Unmap()
		rxMap.Unmap()

		return nil, err
	}

	return &vifConn{
		tx:         ring.NewBackRing("netif-tx", txMap.Page, netif.TxSlotSize),
		rx:         ring.NewBackRing("netif-rx", rxMap.Page, netif.RxSlotSize),
		txMap:      txMap,
		rxMap:      rxMap,
		port:       port,
		dom0:       dom0,
		guestDomID: v.guest.id,
	}, nil
}

func (c *vifConn) close() {
	c.txMap.Unmap()
	c.rxMap.Unmap()
	c.dom0.ClosePort(c.port) //nolint:errcheck
}

func (v *Vif) run(ctx context.Context) {
	s := v.m.store

	for {
		state, err := s.Wait(ctx, v.frontend+"/state", func(s string, _ bool) bool { return s == stateConnected })
		if err != nil {
			return
		}

		v.logger.Debug("frontend connected", "state", state)

		c, err := v.connect()
		if err != nil {
			v.logger.Error("connect failed", "err", err)
			s.Write(v.backend+"/state", stateClosed)

			return
		}

		s.Write(v.backend+"/state", stateConnected)

		err = v.serve(ctx, c)
		c.close()

		if err != nil {
			v.logger.Error("backend stopped", "err", err)
		}

		s.Write(v.backend+"/state", stateClosed)

		if ctx.Err() != nil || err != nil {
			return
		}

		// allow the front-end to reconnect
		if _, err := s.Wait(ctx, v.frontend+"/state", func(s string, _ bool) bool { return s != stateConnected && s != stateClosing }); err != nil {
			return
		}

		s.Write(v.backend+"/state", stateInitWait)
	}
}

func (v *Vif) frontendClosing() bool {
	state, _ := v.m.store.Read(v.frontend + "/state")

	return state == stateClosing || state == stateClosed
}

func (v *Vif) serve(ctx context.Context, c *vifConn) error {
	for {
		s := v.m.store

		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()

		wake := c.dom0.wakeChan()

		if v.frontendClosing() {
			return nil
		}

		if c.dom0.shared.TestPending(c.port) {
			c.dom0.shared.ClearPending(c.port)
		}

		notify, err := v.processTx(c)
		if err != nil {
			return err
		}

		rxNotify, err := v.processRx(c)
		if err != nil {
			return err
		}

		if notify || rxNotify {
			if err := c.dom0.Notify(c.port); err != nil {
				return err
			}
		}

		more, err := c.tx.FinalCheckForRequests()
		if err != nil {
			return err
		}

		// rx requests only matter while frames are queued
		if !more && v.queued() > 0 {
			if more, err = c.rx.FinalCheckForRequests(); err != nil {
				return err
			}
		}

		if more {
			continue
		}

		select {
		case <-wake:
		case <-changed:
		case <-v.kick:
		case <-ctx.Done():
			return nil
		}
	}
}

func (v *Vif) queued() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return len(v.pending)
}

func (v *Vif) processTx(c *vifConn) (bool, error) {
	n, err := c.tx.UnconsumedRequests()
	if err != nil {
		return false, err
	}

	for range n {
		req := netif.ReadTxRequest(c.tx.Request(0))
		c.tx.ConsumeRequest()

		status := v.transmit(c, req)

		netif.TxResponse{ID: req.ID, Status: status}.Put(c.tx.NextResponse())
	}

	return c.tx.PushResponses(), nil
}

func (v *Vif) transmit(c *vifConn, req netif.TxRequest) int16 {
	v.mu.Lock()
	defer v.mu.Unlock()

	if int(req.Offset)+int(req.Size) > shmem.PageSize {
		v.stats.TxErrors++

		return netif.StatusError
	}

	mp, err := c.dom0.MapGrant(c.guestDomID, req.Gref, true)
	if err != nil {
		v.logger.Warn("tx grant map failed", "gref", req.Gref, "err", err)
		v.stats.TxErrors++

		return netif.StatusError
	}

	frame := bytes.Clone(mp.Page.Slice(int(req.Offset), int(req.Size)))
	mp.Unmap()

	select {
	case v.sent <- frame:
		v.stats.TxFrames++

		return netif.StatusOK
	default:
		v.stats.TxDropped++

		return netif.StatusDropped
	}
}

func (v *Vif) processRx(c *vifConn) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delivered := false

	for len(v.pending) > 0 {
		n, err := c.rx.UnconsumedRequests()
		if err != nil {
			return false, err
		}

		if n == 0 {
			break
		}

		req := netif.ReadRxRequest(c.rx.Request(0))
		c.rx.ConsumeRequest()

		frame := v.pending[0]
		v.pending = v.pending[1:]

		status := int16(len(frame))

		mp, err := c.dom0.MapGrant(c.guestDomID, req.Gref, false)
		if err != nil {
			v.logger.Warn("rx grant map failed", "gref", req.Gref, "err", err)
			v.stats.RxErrors++

			status = netif.StatusError
		} else {
			copy(mp.Page.Bytes(), frame)
			mp.Unmap()

			v.stats.RxFrames++
		}

		netif.RxResponse{ID: req.ID, Flags: netif.FlagDataValidated, Status: status}.Put(c.rx.NextResponse())

		delivered = true
	}

	if !delivered {
		return false, nil
	}

	return c.rx.PushResponses(), nil
}
