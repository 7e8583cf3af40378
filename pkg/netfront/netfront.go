// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package netfront is a paravirtual network front-end.
//
// The device owns two split rings, one page each, granted to the back-end
// domain, and one event channel shared by both. Transmit buffers are granted
// read-only per frame and reclaimed when their response arrives; receive
// buffers are granted writable once and re-posted after each frame.
package netfront

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/siderolabs/talos-xenguest/internal/util"
	"github.com/siderolabs/talos-xenguest/pkg/evtchn"
	"github.com/siderolabs/talos-xenguest/pkg/gnttab"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/netfront/netif"
	"github.com/siderolabs/talos-xenguest/pkg/ring"
	"github.com/siderolabs/talos-xenguest/pkg/sched"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
	"github.com/siderolabs/talos-xenguest/pkg/xenstore"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("network device closed")
	// ErrBroken is returned once the back-end violated the ring protocol.
	ErrBroken = errors.New("network device broken")
	// ErrFrameSize is returned for frames that are empty or exceed a page.
	ErrFrameSize = errors.New("invalid frame size")
)

// Deps are the guest services a device is built on.
type Deps struct {
	Events *evtchn.Mux
	Grants *gnttab.Table
	Pages  shmem.Allocator
	Logger *slog.Logger
}

// Options configure a device.
type Options struct {
	// RxBuffers is the number of receive buffers kept posted.
	RxBuffers int
	// Receive is called with every received frame, in scheduler context. The
	// slice is only valid during the call.
	Receive func(frame []byte)
	// StateTimeout bounds the waits for the back-end during Connect and Close.
	StateTimeout time.Duration
}

// Stats are the device counters.
type Stats struct {
	TxPackets uint64
	TxBytes   uint64
	TxErrors  uint64
	TxDropped uint64
	RxPackets uint64
	RxBytes   uint64
	RxErrors  uint64
}

type buffer struct {
	page  shmem.Page
	ref   gnttab.Ref
	inUse bool
	// posted is set while an rx buffer sits on the ring
	posted bool
}

// Device is one network interface. It is used from guest context only.
type Device struct {
	deps    Deps
	opts    Options
	backend hypercall.DomID
	logger  *slog.Logger

	txPage, rxPage shmem.Page
	txRef, rxRef   gnttab.Ref
	port           evtchn.Port
	tx, rx         *ring.FrontRing

	txBufs []buffer
	txFree []uint16
	rxBufs []buffer

	events *sched.WaitQueue
	warn   *rate.Limiter
	stats  Stats
	err    error
	closed bool

	client      *xenstore.Client
	nodename    string
	backendPath string
	mac         string
}

// New sets up the rings, the event channel and the receive buffers for a
// back-end in domain backend.
func New(deps Deps, backend hypercall.DomID, opts Options) (*Device, error) {
	txSize := ring.Size(netif.TxSlotSize)
	rxSize := ring.Size(netif.RxSlotSize)

	if opts.RxBuffers <= 0 || opts.RxBuffers > int(rxSize) {
		opts.RxBuffers = int(rxSize)
	}

	if opts.StateTimeout <= 0 {
		opts.StateTimeout = 5 * time.Second
	}

	d := &Device{
		deps:    deps,
		opts:    opts,
		backend: backend,
		logger:  deps.Logger.With("module", "netfront", "backend_domid", backend),
		txBufs:  make([]buffer, txSize),
		rxBufs:  make([]buffer, opts.RxBuffers),
		events:  sched.NewWaitQueue(),
		warn:    rate.NewLimiter(rate.Every(time.Second), 5),
	}

	for id := range txSize {
		d.txFree = append(d.txFree, uint16(txSize-1-id))
	}

	if err := d.setup(); err != nil {
		// no thread: grants are ended once and leaked if still mapped
		if relErr := d.release(nil); relErr != nil {
			d.logger.Warn("error cleaning up after failed setup", "err", relErr)
		}

		return nil, err
	}

	d.logger.Debug("device ready", "tx_ref", d.txRef, "rx_ref", d.rxRef, "port", d.port, "rx_buffers", opts.RxBuffers)

	return d, nil
}

func (d *Device) setup() error {
	var err error

	if d.txPage, d.txRef, err = d.sharedRing(); err != nil {
		return fmt.Errorf("error setting up tx ring: %w", err)
	}

	d.tx = ring.NewFrontRing("netif-tx", d.txPage, netif.TxSlotSize)

	if d.rxPage, d.rxRef, err = d.sharedRing(); err != nil {
		return fmt.Errorf("error setting up rx ring: %w", err)
	}

	d.rx = ring.NewFrontRing("netif-rx", d.rxPage, netif.RxSlotSize)

	if d.port, err = d.deps.Events.AllocUnbound(d.backend); err != nil {
		return err
	}

	if err = d.deps.Events.Bind(d.port, d.handleEvent); err != nil {
		return err
	}

	for i := range d.rxBufs {
		b := &d.rxBufs[i]

		if b.page, err = d.deps.Pages.AllocPage(); err != nil {
			return fmt.Errorf("error allocating rx buffer: %w", err)
		}

		if b.ref, err = d.deps.Grants.Grant(d.backend, b.page.Frame(), false); err != nil {
			return fmt.Errorf("error granting rx buffer: %w", err)
		}

		b.inUse = true

		d.postRx(uint16(i))
	}

	d.rx.PushRequests()

	return nil
}

func (d *Device) sharedRing() (shmem.Page, gnttab.Ref, error) {
	p, err := d.deps.Pages.AllocPage()
	if err != nil {
		return shmem.Page{}, 0, err
	}

	ring.Format(p)

	ref, err := d.deps.Grants.Grant(d.backend, p.Frame(), false)
	if err != nil {
		d.deps.Pages.FreePage(p)

		return shmem.Page{}, 0, err
	}

	return p, ref, nil
}

// Connect publishes the device under nodename and waits for the back-end to
// connect.
func (d *Device) Connect(t *sched.Thread, client *xenstore.Client, nodename string) error {
	if err := d.usable(); err != nil {
		return err
	}

	backendPath, err := client.Read(t, xenstore.NoTx, nodename+"/backend")
	if err != nil {
		return fmt.Errorf("error reading backend path: %w", err)
	}

	if mac, err := client.Read(t, xenstore.NoTx, nodename+"/mac"); err == nil {
		d.mac = mac
	}

	err = client.Transact(t, func(tx xenstore.Tx) error {
		for _, kv := range [][2]string{
			{"tx-ring-ref", strconv.Itoa(int(d.txRef))},
			{"rx-ring-ref", strconv.Itoa(int(d.rxRef))},
			{"event-channel", strconv.Itoa(int(d.port))},
			{"request-rx-copy", "1"},
		} {
			if err := client.Write(t, tx, nodename+"/"+kv[0], kv[1]); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("error publishing ring details: %w", err)
	}

	d.client = client
	d.nodename = nodename
	d.backendPath = backendPath

	if err := client.SwitchState(t, nodename, xenstore.StateConnected); err != nil {
		return err
	}

	if err := client.WaitForState(t, backendPath, xenstore.StateConnected, t.Scheduler().Now()+d.opts.StateTimeout); err != nil {
		return fmt.Errorf("backend did not connect: %w", err)
	}

	d.logger.Info("connected", "nodename", nodename, "backend", backendPath, "mac", d.mac)

	return nil
}

// MAC returns the hardware address published by the toolstack.
func (d *Device) MAC() string {
	return d.mac
}

// Port returns the event channel of the device.
func (d *Device) Port() evtchn.Port {
	return d.port
}

// Stats returns the device counters.
func (d *Device) Stats() Stats {
	return d.stats
}

func (d *Device) usable() error {
	switch {
	case d.closed:
		return ErrClosed
	case d.err != nil:
		return d.err
	}

	return nil
}

func (d *Device) fail(err error) {
	if d.err == nil {
		d.logger.Error("ring protocol violation, device disabled", "err", err)
		d.err = fmt.Errorf("%w: %w", ErrBroken, err)
		d.events.WakeUp()
	}
}

// Transmit queues frame for transmission, waiting while the ring is full.
func (d *Device) Transmit(t *sched.Thread, frame []byte) error {
	if len(frame) == 0 || len(frame) > shmem.PageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameSize, len(frame))
	}

	t.WaitEvent(d.events, func() bool {
		return d.usable() != nil || (len(d.txFree) > 0 && !d.tx.Full())
	})

	if err := d.usable(); err != nil {
		return err
	}

	id := d.txFree[len(d.txFree)-1]
	b := &d.txBufs[id]

	if !b.page.Valid() {
		p, err := d.deps.Pages.AllocPage()
		if err != nil {
			return fmt.Errorf("error allocating tx buffer: %w", err)
		}

		b.page = p
	}

	copy(b.page.Bytes(), frame)

	ref, err := d.deps.Grants.Grant(d.backend, b.page.Frame(), true)
	if err != nil {
		return fmt.Errorf("error granting tx buffer: %w", err)
	}

	d.txFree = d.txFree[:len(d.txFree)-1]
	b.ref = ref
	b.inUse = true

	netif.TxRequest{Gref: uint32(ref), ID: id, Size: uint16(len(frame))}.Put(d.tx.NextRequest())

	if d.tx.PushRequests() {
		if err := d.deps.Events.Notify(d.port); err != nil {
			return err
		}
	}

	d.stats.TxPackets++
	d.stats.TxBytes += uint64(len(frame))

	return nil
}

func (d *Device) handleEvent(evtchn.Port) {
	d.Poll()
	d.events.WakeUp()
}

// Poll reclaims completed transmissions and delivers received frames. It is
// run on every device event and never blocks.
func (d *Device) Poll() {
	if d.err != nil || d.closed {
		return
	}

	if err := d.reclaimTx(); err != nil {
		d.fail(err)

		return
	}

	if err := d.receive(); err != nil {
		d.fail(err)
	}
}

func (d *Device) reclaimTx() error {
	for {
		n, err := d.tx.UnconsumedResponses()
		if err != nil {
			return err
		}

		for range n {
			rsp := netif.ReadTxResponse(d.tx.Response(0))
			d.tx.ConsumeResponse()

			if int(rsp.ID) >= len(d.txBufs) || !d.txBufs[rsp.ID].inUse {
				return fmt.Errorf("tx response for unknown id %d", rsp.ID)
			}

			switch rsp.Status {
			case netif.StatusOK:
			case netif.StatusDropped:
				d.stats.TxDropped++
			default:
				d.stats.TxErrors++
			}

			b := &d.txBufs[rsp.ID]

			// the back-end unmaps before responding; a busy entry is leaked
			// rather than reused while still mapped
			if !d.deps.Grants.EndAccess(b.ref) {
				if d.warn.Allow() {
					d.logger.Warn("tx grant still mapped after response", "ref", b.ref, "id", rsp.ID)
				}

				continue
			}

			if err := d.deps.Grants.FreeRef(b.ref); err != nil {
				d.logger.Warn("error freeing tx grant", "ref", b.ref, "err", err)
			}

			b.inUse = false
			d.txFree = append(d.txFree, rsp.ID)
		}

		more, err := d.tx.FinalCheckForResponses()
		if err != nil {
			return err
		}

		if !more {
			return nil
		}
	}
}

func (d *Device) postRx(id uint16) {
	b := &d.rxBufs[id]
	b.posted = true

	netif.RxRequest{ID: id, Gref: uint32(b.ref)}.Put(d.rx.NextRequest())
}

func (d *Device) receive() error {
	var done []uint16

	for {
		n, err := d.rx.UnconsumedResponses()
		if err != nil {
			return err
		}

		for range n {
			rsp := netif.ReadRxResponse(d.rx.Response(0))
			d.rx.ConsumeResponse()

			if int(rsp.ID) >= len(d.rxBufs) {
				return fmt.Errorf("rx response for unknown id %d", rsp.ID)
			}

			b := &d.rxBufs[rsp.ID]

			if !b.posted {
				return fmt.Errorf("duplicate rx response for id %d", rsp.ID)
			}

			b.posted = false
			done = append(done, rsp.ID)

			switch {
			case rsp.Status < 0:
				d.stats.RxErrors++

				if d.warn.Allow() {
					d.logger.Warn("rx error response", "id", rsp.ID, "status", rsp.Status)
				}
			case int(rsp.Offset)+int(rsp.Status) > shmem.PageSize:
				return fmt.Errorf("rx response %d overruns its buffer: offset %d size %d", rsp.ID, rsp.Offset, rsp.Status)
			default:
				d.stats.RxPackets++
				d.stats.RxBytes += uint64(rsp.Status)

				if d.opts.Receive != nil {
					d.opts.Receive(b.page.Slice(int(rsp.Offset), int(rsp.Status)))
				}
			}
		}

		if len(done) > 0 {
			for _, id := range done {
				d.postRx(id)
			}

			if d.rx.PushRequests() {
				if err := d.deps.Events.Notify(d.port); err != nil {
					util.TraceLog(d.logger, "notify failed", "err", err)
				}
			}

			done = done[:0]
		}

		more, err := d.rx.FinalCheckForResponses()
		if err != nil {
			return err
		}

		if !more {
			return nil
		}
	}
}

// Close disconnects from the back-end and releases every resource. Grants
// the back-end still maps are retried before giving up; all failures are
// reported together.
func (d *Device) Close(t *sched.Thread) error {
	if d.closed {
		return nil
	}

	var result *multierror.Error

	if d.client != nil {
		deadline := t.Scheduler().Now() + d.opts.StateTimeout

		if err := d.client.SwitchState(t, d.nodename, xenstore.StateClosing); err != nil {
			result = multierror.Append(result, err)
		} else if err := d.client.WaitForState(t, d.backendPath, xenstore.StateClosed, deadline); err != nil {
			result = multierror.Append(result, err)
		}

		if err := d.client.SwitchState(t, d.nodename, xenstore.StateClosed); err != nil {
			result = multierror.Append(result, err)
		}
	}

	d.closed = true
	d.events.WakeUp()

	if err := d.release(t); err != nil {
		result = multierror.Append(result, err)
	}

	d.logger.Debug("closed", "err", result.ErrorOrNil())

	return result.ErrorOrNil()
}

// release frees everything set up so far. Without a thread grants are ended
// once and leaked if still mapped.
func (d *Device) release(t *sched.Thread) error {
	var result *multierror.Error

	if d.port != 0 {
		if err := d.deps.Events.Unbind(d.port); err != nil {
			result = multierror.Append(result, err)
		}

		d.port = 0
	}

	revoke := func(b *buffer) {
		if !b.inUse {
			if b.page.Valid() {
				d.deps.Pages.FreePage(b.page)
				b.page = shmem.Page{}
			}

			return
		}

		if err := d.revoke(t, b.ref); err != nil {
			result = multierror.Append(result, err)

			return
		}

		b.inUse = false
		d.deps.Pages.FreePage(b.page)
		b.page = shmem.Page{}
	}

	for i := range d.txBufs {
		revoke(&d.txBufs[i])
	}

	for i := range d.rxBufs {
		revoke(&d.rxBufs[i])
	}

	for _, r := range []struct {
		page *shmem.Page
		ref  gnttab.Ref
	}{{&d.txPage, d.txRef}, {&d.rxPage, d.rxRef}} {
		if !r.page.Valid() {
			continue
		}

		if err := d.revoke(t, r.ref); err != nil {
			result = multierror.Append(result, err)

			continue
		}

		d.deps.Pages.FreePage(*r.page)
		*r.page = shmem.Page{}
	}

	return result.ErrorOrNil()
}

func (d *Device) revoke(t *sched.Thread, ref gnttab.Ref) error {
	if t != nil {
		return d.deps.Grants.Release(t, ref)
	}

	if !d.deps.Grants.EndAccess(ref) {
		return fmt.Errorf("%w: ref %d", gnttab.ErrStillMapped, ref)
	}

	return d.deps.Grants.FreeRef(ref)
}
