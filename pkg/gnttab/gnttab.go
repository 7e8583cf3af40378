// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package gnttab manages the version 1 grant table of the guest.
package gnttab

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/siderolabs/talos-xenguest/internal/util"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

// Ref is a grant reference.
type Ref uint32

// Reserved references. They are set up at boot and never handed out.
const (
	RefConsole  Ref = 0
	RefXenstore Ref = 1

	NumReserved = 8
)

var (
	// ErrSetupFailed is returned when the table cannot be set up.
	ErrSetupFailed = errors.New("grant table setup failed")
	// ErrOutOfReferences is returned when every reference is in use.
	ErrOutOfReferences = errors.New("out of grant references")
	// ErrReservedReference is returned when freeing a reserved reference.
	ErrReservedReference = errors.New("reserved grant reference")
	// ErrInvalidReference is returned for references outside the table or not in use.
	ErrInvalidReference = errors.New("invalid grant reference")
	// ErrStillMapped is returned when the remote domain keeps a grant mapped.
	ErrStillMapped = errors.New("grant still mapped by remote domain")
	// ErrReferenceInUse is returned when granting through, or freeing, a
	// reference whose entry has not been ended.
	ErrReferenceInUse = errors.New("grant reference in use")
)

// Options configure a Table.
type Options struct {
	// Frames is the number of table pages, 512 entries each.
	Frames int
	// RevokeInitial and RevokeMax bound the wait between end access attempts.
	RevokeInitial time.Duration
	RevokeMax     time.Duration
	// RevokeRetries is how many times Release retries before giving up.
	RevokeRetries int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Frames:        4,
		RevokeInitial: time.Millisecond,
		RevokeMax:     100 * time.Millisecond,
		RevokeRetries: 10,
	}
}

// Sleeper pauses the calling thread between revocation attempts.
type Sleeper interface {
	Sleep(d time.Duration)
}

// Table is the grant table. It is used from guest context only.
type Table struct {
	logger *slog.Logger
	opts   Options
	pages  []shmem.Page
	n      uint32

	free  []Ref
	inUse []bool
}

// Stats describes reference usage.
type Stats struct {
	Total    int
	Reserved int
	Free     int
	InUse    int
	Bytes    int
}

// New sets up a table of opts.Frames pages with the hypervisor and maps it.
func New(hv hypercall.Hypervisor, opts Options, logger *slog.Logger) (*Table, error) {
	def := DefaultOptions()

	if opts.Frames <= 0 {
		opts.Frames = def.Frames
	}

	if opts.RevokeInitial <= 0 {
		opts.RevokeInitial = def.RevokeInitial
	}

	if opts.RevokeMax < opts.RevokeInitial {
		opts.RevokeMax = max(def.RevokeMax, opts.RevokeInitial)
	}

	if opts.RevokeRetries < 0 {
		opts.RevokeRetries = def.RevokeRetries
	}

	logger = logger.With("module", "gnttab")

	op := &hypercall.GnttabSetupTable{
		Dom:      hypercall.DomIDSelf,
		NrFrames: uint32(opts.Frames),
		Frames:   make([]shmem.Frame, opts.Frames),
	}

	if err := hv.Call(op); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	if op.Status != hypercall.GrantOK {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, op.Status)
	}

	t := &Table{
		logger: logger,
		opts:   opts,
		n:      uint32(opts.Frames * hypercall.GrantEntriesPerPage),
	}

	for _, f := range op.Frames {
		p, err := hv.MapFrame(f)
		if err != nil {
			return nil, fmt.Errorf("%w: mapping frame %#x: %w", ErrSetupFailed, f, err)
		}

		t.pages = append(t.pages, p)
	}

	t.inUse = make([]bool, t.n)

	for i := range NumReserved {
		t.inUse[i] = true
	}

	// lowest references come off the free list first
	t.free = make([]Ref, 0, t.n-NumReserved)
	for r := t.n - 1; r >= NumReserved; r-- {
		t.free = append(t.free, Ref(r))
	}

	logger.Debug("grant table ready", "frames", opts.Frames, "entries", t.n)

	return t, nil
}

func (t *Table) entry(ref Ref) (shmem.Page, int, error) {
	if uint32(ref) >= t.n {
		return shmem.Page{}, 0, fmt.Errorf("%w: %d", ErrInvalidReference, ref)
	}

	idx, off := hypercall.GrantEntryLocation(uint32(ref))

	return t.pages[idx], off, nil
}

// GrantAccess lets domid map frame through ref. The entry must be ended.
// The frame is committed before the flags, so the remote side never sees a
// permitted entry with a stale frame.
func (t *Table) GrantAccess(ref Ref, domid hypercall.DomID, frame shmem.Frame, readonly bool) error {
	p, off, err := t.entry(ref)
	if err != nil {
		return err
	}

	if frame > math.MaxUint32 {
		return fmt.Errorf("frame %#x does not fit a version 1 grant entry", frame)
	}

	// an ended entry cannot be mapped, so nothing changes it behind our back
	if w := p.LoadUint32(off + hypercall.GrantEntryFlagsWord); w != 0 {
		return fmt.Errorf("%w: ref %d flags %#x", ErrReferenceInUse, ref, w)
	}

	flags := hypercall.GTFPermitAccess
	if readonly {
		flags |= hypercall.GTFReadonly
	}

	p.StoreUint32(off+hypercall.GrantEntryFrame, uint32(frame))

	if !p.CompareAndSwapUint32(off+hypercall.GrantEntryFlagsWord, 0, hypercall.GrantWord(domid, flags)) {
		return fmt.Errorf("%w: ref %d", ErrReferenceInUse, ref)
	}

	util.TraceLog(t.logger, "grant access", "ref", ref, "domid", domid, "frame", frame, "readonly", readonly)

	return nil
}

// EndAccess revokes ref. It reports false, leaving the entry untouched, while
// the remote domain has it mapped.
func (t *Table) EndAccess(ref Ref) bool {
	p, off, err := t.entry(ref)
	if err != nil {
		t.logger.Warn("end access of invalid reference", "ref", ref)

		return false
	}

	for {
		w := p.LoadUint32(off + hypercall.GrantEntryFlagsWord)

		if _, flags := hypercall.SplitGrantWord(w); flags&(hypercall.GTFReading|hypercall.GTFWriting) != 0 {
			util.TraceLog(t.logger, "grant still in use", "ref", ref, "flags", flags)

			return false
		}

		if p.CompareAndSwapUint32(off+hypercall.GrantEntryFlagsWord, w, 0) {
			return true
		}
	}
}

// AllocRef takes a reference off the free list.
func (t *Table) AllocRef() (Ref, error) {
	if len(t.free) == 0 {
		return 0, ErrOutOfReferences
	}

	ref := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.inUse[ref] = true

	return ref, nil
}

// FreeRef returns ref to the free list. The entry must have been ended;
// ErrReferenceInUse is returned otherwise.
func (t *Table) FreeRef(ref Ref) error {
	if ref < NumReserved {
		return fmt.Errorf("%w: %d", ErrReservedReference, ref)
	}

	if uint32(ref) >= t.n || !t.inUse[ref] {
		return fmt.Errorf("%w: %d", ErrInvalidReference, ref)
	}

	p, off, err := t.entry(ref)
	if err != nil {
		return err
	}

	live := hypercall.GTFPermitAccess | hypercall.GTFReading | hypercall.GTFWriting
	if _, flags := hypercall.SplitGrantWord(p.LoadUint32(off + hypercall.GrantEntryFlagsWord)); flags&live != 0 {
		return fmt.Errorf("%w: ref %d flags %#x", ErrReferenceInUse, ref, flags)
	}

	t.inUse[ref] = false
	t.free = append(t.free, ref)

	return nil
}

// Grant allocates a reference and grants frame to domid through it.
func (t *Table) Grant(domid hypercall.DomID, frame shmem.Frame, readonly bool) (Ref, error) {
	ref, err := t.AllocRef()
	if err != nil {
		return 0, err
	}

	if err := t.GrantAccess(ref, domid, frame, readonly); err != nil {
		t.FreeRef(ref) //nolint:errcheck

		return 0, err
	}

	return ref, nil
}

// Release ends access to ref and frees it. While the remote domain holds a
// mapping it retries on an exponential schedule, sleeping cooperatively in
// between, and gives up with ErrStillMapped.
func (t *Table) Release(s Sleeper, ref Ref) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.RevokeInitial
	b.MaxInterval = t.opts.RevokeMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithMaxRetries(b, uint64(t.opts.RevokeRetries))

	for {
		if t.EndAccess(ref) {
			if ref < NumReserved {
				return nil
			}

			return t.FreeRef(ref)
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			t.logger.Warn("giving up on grant release", "ref", ref)

			return fmt.Errorf("%w: ref %d", ErrStillMapped, ref)
		}

		s.Sleep(wait)
	}
}

// Stats returns reference usage.
func (t *Table) Stats() Stats {
	return Stats{
		Total:    int(t.n),
		Reserved: NumReserved,
		Free:     len(t.free),
		InUse:    int(t.n) - NumReserved - len(t.free),
		Bytes:    len(t.pages) * shmem.PageSize,
	}
}
