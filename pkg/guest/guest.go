// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package guest owns the per-guest singletons: the event channel multiplexer,
// the grant table, the scheduler and the store client.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/siderolabs/talos-xenguest/pkg/console"
	"github.com/siderolabs/talos-xenguest/pkg/evtchn"
	"github.com/siderolabs/talos-xenguest/pkg/gnttab"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/netfront"
	"github.com/siderolabs/talos-xenguest/pkg/sched"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
	"github.com/siderolabs/talos-xenguest/pkg/xenstore"
)

// ErrBootFailed wraps every error returned by Boot.
var ErrBootFailed = errors.New("guest boot failed")

// Config tunes the guest core.
type Config struct {
	// GrantFrames is the number of grant table frames requested at boot.
	GrantFrames int `mapstructure:"grant-frames"`
	// MaxIdle caps a single idle block of the scheduler.
	MaxIdle time.Duration `mapstructure:"max-idle"`
	// RevokeInitial, RevokeMax and RevokeRetries bound grant revocation retries.
	RevokeInitial time.Duration `mapstructure:"revoke-initial"`
	RevokeMax     time.Duration `mapstructure:"revoke-max"`
	RevokeRetries int           `mapstructure:"revoke-retries"`
	// StoreTimeout bounds waits for a device back-end.
	StoreTimeout time.Duration `mapstructure:"store-timeout"`
	// RxBuffers is the number of receive buffers posted per network device.
	RxBuffers int `mapstructure:"rx-buffers"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	g := gnttab.DefaultOptions()

	return Config{
		GrantFrames:   g.Frames,
		MaxIdle:       sched.DefaultMaxIdle,
		RevokeInitial: g.RevokeInitial,
		RevokeMax:     g.RevokeMax,
		RevokeRetries: g.RevokeRetries,
		StoreTimeout:  5 * time.Second,
		RxBuffers:     64,
	}
}

// Guest is one booted guest.
type Guest struct {
	hv     hypercall.Hypervisor
	pages  shmem.Allocator
	cfg    Config
	logger *slog.Logger

	events  *evtchn.Mux
	grants  *gnttab.Table
	sched   *sched.Scheduler
	store   *xenstore.Client
	console *console.Console

	mu       sync.Mutex
	cancel   context.CancelFunc
	shutdown bool
}

// Boot brings up the guest core on hv. Pages for rings and buffers come from
// pages.
func Boot(hv hypercall.Hypervisor, pages shmem.Allocator, cfg Config, logger *slog.Logger) (*Guest, error) {
	info := hv.StartInfo()
	logger = logger.With("domid", info.DomID)

	hv = hypercall.Traced(hv, logger.With("module", "hypercall"))

	g := &Guest{hv: hv, pages: pages, cfg: cfg, logger: logger}

	var err error

	g.grants, err = gnttab.New(hv, gnttab.Options{
		Frames:        cfg.GrantFrames,
		RevokeInitial: cfg.RevokeInitial,
		RevokeMax:     cfg.RevokeMax,
		RevokeRetries: cfg.RevokeRetries,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBootFailed, err)
	}

	g.events, err = evtchn.New(hv, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: error setting up event channels: %w", ErrBootFailed, err)
	}

	g.sched = sched.New(hv, g.events, logger, sched.Options{MaxIdle: cfg.MaxIdle})

	g.console, err = console.New(hv, g.events)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBootFailed, err)
	}

	// the console and store pages are shared with the control domain through
	// the reserved references
	if err = g.grants.GrantAccess(gnttab.RefConsole, 0, info.ConsoleMFN, false); err != nil {
		return nil, fmt.Errorf("%w: error granting console page: %w", ErrBootFailed, err)
	}

	if err = g.grants.GrantAccess(gnttab.RefXenstore, 0, info.StoreMFN, false); err != nil {
		return nil, fmt.Errorf("%w: error granting store page: %w", ErrBootFailed, err)
	}

	conn, err := xenstore.NewConn(hv, g.events, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: error connecting to the store: %w", ErrBootFailed, err)
	}

	g.store = xenstore.NewClient(g.sched, conn, logger)

	st := g.grants.Stats()

	logger.Info("guest booted",
		"grant_entries", humanize.Comma(int64(st.Total)),
		"grant_table", humanize.IBytes(uint64(st.Bytes)),
		"store_port", conn.Port(),
		"max_idle", cfg.MaxIdle,
	)

	return g, nil
}

// Events returns the event channel multiplexer.
func (g *Guest) Events() *evtchn.Mux { return g.events }

// Grants returns the grant table.
func (g *Guest) Grants() *gnttab.Table { return g.grants }

// Scheduler returns the scheduler.
func (g *Guest) Scheduler() *sched.Scheduler { return g.sched }

// Store returns the store client.
func (g *Guest) Store() *xenstore.Client { return g.store }

// Console returns the console writer. Unlike the rest of the guest it may be
// used from any goroutine.
func (g *Guest) Console() *console.Console { return g.console }

// Config returns the configuration the guest was booted with.
func (g *Guest) Config() Config { return g.cfg }

// DomID returns the domain id of the guest.
func (g *Guest) DomID() hypercall.DomID { return g.hv.StartInfo().DomID }

// Run schedules the guest threads until they all exit, ctx is done or the
// guest shuts down.
func (g *Guest) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	g.cancel = cancel
	stopped := g.shutdown
	g.mu.Unlock()

	if stopped {
		return nil
	}

	err := g.sched.Run(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shutdown && errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Shutdown asks the hypervisor to stop the domain. When the call returns the
// scheduler loop is stopped as well.
func (g *Guest) Shutdown(reason hypercall.ShutdownReason) error {
	g.logger.Info("shutting down", "reason", reason)

	if err := g.hv.Call(&hypercall.SchedShutdown{Reason: reason}); err != nil {
		return fmt.Errorf("error requesting %s: %w", reason, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdown = true

	if g.cancel != nil {
		g.cancel()
	}

	return nil
}

// AttachNetwork connects the network device published under
// device/vif/<index>. It must be called from a guest thread.
func (g *Guest) AttachNetwork(t *sched.Thread, index int, receive func([]byte)) (*netfront.Device, error) {
	nodename := "device/vif/" + strconv.Itoa(index)

	backend, err := g.store.ReadInt(t, xenstore.NoTx, nodename+"/backend-id")
	if err != nil {
		return nil, fmt.Errorf("error reading backend of %s: %w", nodename, err)
	}

	dev, err := netfront.New(netfront.Deps{
		Events: g.events,
		Grants: g.grants,
		Pages:  g.pages,
		Logger: g.logger.With("vif", index),
	}, hypercall.DomID(backend), netfront.Options{
		RxBuffers:    g.cfg.RxBuffers,
		Receive:      receive,
		StateTimeout: g.cfg.StoreTimeout,
	})
	if err != nil {
		return nil, err
	}

	if err := dev.Connect(t, g.store, nodename); err != nil {
		return nil, multierror.Append(err, dev.Close(t)).ErrorOrNil()
	}

	return dev, nil
}

// Close closes the store and unbinds every port. Devices are closed by their
// owners beforehand, from a guest thread.
func (g *Guest) Close() error {
	var result *multierror.Error

	if err := g.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := g.events.UnbindAll(); err != nil {
		result = multierror.Append(result, err)
	}

	for _, ref := range []gnttab.Ref{gnttab.RefConsole, gnttab.RefXenstore} {
		if !g.grants.EndAccess(ref) {
			g.logger.Warn("reserved grant still mapped", "ref", ref)
		}
	}

	return result.ErrorOrNil()
}
