// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package loopback runs a small hypervisor inside the process.
//
// A Machine owns one arena of machine memory shared by all of its domains.
// Domain 0 hosts the xenstore daemon and network back-ends, each served by a
// goroutine that talks to the guest only through shared pages and event
// channels, the same way a real back-end would. Guests are created with
// CreateGuest and are driven through the hypercall.Hypervisor interface.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/ring"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

// ErrDomainExists is returned when creating a domain with an id in use.
var ErrDomainExists = errors.New("domain already exists")

// Machine is a simulated host.
type Machine struct {
	logger *slog.Logger
	arena  *shmem.Arena
	epoch  time.Time

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	domains map[hypercall.DomID]*Domain
	store   *Store
}

// New creates a machine with frames pages of memory and starts the store daemon.
func New(frames int, logger *slog.Logger) (*Machine, error) {
	arena, err := shmem.NewArena(frames)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		logger:  logger.With("module", "loopback"),
		arena:   arena,
		epoch:   time.Now(),
		domains: map[hypercall.DomID]*Domain{},
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	dom0, err := m.newDomain(0)
	if err != nil {
		arena.Close() //nolint:errcheck

		return nil, err
	}

	m.store = newStore(m, dom0)

	return m, nil
}

// Close stops every back-end and unmaps machine memory.
func (m *Machine) Close() error {
	m.cancel()

	m.mu.Lock()
	for _, d := range m.domains {
		d.broadcast()
	}
	m.mu.Unlock()

	m.wg.Wait()

	return m.arena.Close()
}

// Arena returns machine memory. Guests allocate their pages from it.
func (m *Machine) Arena() *shmem.Arena {
	return m.arena
}

// Control returns domain 0.
func (m *Machine) Control() *Domain {
	return m.Domain(0)
}

// Store returns the xenstore daemon.
func (m *Machine) Store() *Store {
	return m.store
}

// Domain returns the domain with the given id, or nil.
func (m *Machine) Domain(id hypercall.DomID) *Domain {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.domains[id]
}

// Now is the system time of the machine.
func (m *Machine) Now() time.Duration {
	return time.Since(m.epoch)
}

func (m *Machine) spawn(f func(ctx context.Context)) {
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		f(m.ctx)
	}()
}

// CreateGuest builds a guest domain the way a toolstack does: a shared_info
// page, a console page and a store page, each with an unbound event channel
// towards domain 0. The guest is introduced to the store daemon.
func (m *Machine) CreateGuest(id hypercall.DomID) (*Domain, error) {
	d, err := m.newDomain(id)
	if err != nil {
		return nil, err
	}

	storePage, err := m.arena.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("error allocating store page: %w", err)
	}

	ring.FormatByteRing(storePage)

	consolePage, err := m.arena.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("error allocating console page: %w", err)
	}

	storePort, err := d.allocUnbound(0)
	if err != nil {
		return nil, err
	}

	consolePort, err := d.allocUnbound(0)
	if err != nil {
		return nil, err
	}

	d.start = hypercall.StartInfo{
		SharedInfo:    d.sharedPage.Frame(),
		StoreMFN:      storePage.Frame(),
		ConsoleMFN:    consolePage.Frame(),
		NrPages:       uint64(m.arena.Frames()),
		StoreEvtchn:   storePort,
		ConsoleEvtchn: consolePort,
		DomID:         id,
	}

	if err := m.store.introduce(d, storePage, storePort); err != nil {
		return nil, err
	}

	if err := m.attachConsole(d, consolePage, consolePort); err != nil {
		return nil, err
	}

	m.logger.Debug("guest created", "domid", id, "store_port", storePort, "store_mfn", storePage.Frame())

	return d, nil
}

func (m *Machine) newDomain(id hypercall.DomID) (*Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.domains[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDomainExists, id)
	}

	page, err := m.arena.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("error allocating shared info: %w", err)
	}

	shared, err := hypercall.NewSharedInfo(page)
	if err != nil {
		return nil, err
	}

	d := &Domain{
		m:          m,
		id:         id,
		logger:     m.logger.With("domid", id),
		sharedPage: page,
		shared:     shared,
		pins:       map[pinKey]int{},
		calls:      map[string]int{},
		wake:       make(chan struct{}),
		dead:       make(chan struct{}),
	}

	d.start = hypercall.StartInfo{SharedInfo: page.Frame(), DomID: id, NrPages: uint64(m.arena.Frames())}

	m.domains[id] = d

	return d, nil
}
