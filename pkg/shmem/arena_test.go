// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"errors"
	"testing"
)

func TestArenaAllocFree(t *testing.T) {
	a, err := NewArena(4)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close() //nolint:errcheck

	seen := map[Frame]bool{}

	for range 4 {
		p, err := a.AllocPage()
		if err != nil {
			t.Fatalf("AllocPage: %v", err)
		}

		if seen[p.Frame()] {
			t.Fatalf("frame %d handed out twice", p.Frame())
		}

		seen[p.Frame()] = true
	}

	if _, err := a.AllocPage(); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}

	p, err := a.Page(2)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}

	p.Bytes()[10] = 0xaa
	a.FreePage(p)
	a.FreePage(p)

	if got := a.FreeFrames(); got != 1 {
		t.Fatalf("expected 1 free frame after double free, got %d", got)
	}

	p, err = a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}

	if p.Frame() != 2 || p.Bytes()[10] != 0 {
		t.Fatalf("expected zeroed frame 2, got frame %d byte %#x", p.Frame(), p.Bytes()[10])
	}
}

func TestArenaSharedView(t *testing.T) {
	a, err := NewArena(2)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close() //nolint:errcheck

	p1, _ := a.Page(1) //nolint:errcheck
	p2, _ := a.Page(1) //nolint:errcheck

	p1.StoreUint32(8, 0xdeadbeef)

	if got := p2.LoadUint32(8); got != 0xdeadbeef {
		t.Fatalf("views of the same frame disagree: %#x", got)
	}

	if _, err := a.Page(2); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestPageBounds(t *testing.T) {
	p := NewPage(0)

	p.PutUint16(PageSize-2, 0x1234)

	if got := p.Uint16(PageSize - 2); got != 0x1234 {
		t.Fatalf("got %#x", got)
	}

	if got := p.Bytes()[PageSize-2]; got != 0x34 {
		t.Fatalf("expected little-endian layout, got %#x", got)
	}

	mustPanic(t, func() { p.Uint32(PageSize - 2) })
	mustPanic(t, func() { p.LoadUint64(4) })
	mustPanic(t, func() { p.Slice(-1, 2) })
}

func TestPageAtomicBits(t *testing.T) {
	p := NewPage(0)

	p.OrUint64(16, 1<<5|1<<63)

	if old := p.AndUint64(16, ^uint64(1<<5)); old != 1<<5|1<<63 {
		t.Fatalf("unexpected old value %#x", old)
	}

	if got := p.SwapUint64(16, 0); got != 1<<63 {
		t.Fatalf("unexpected swapped value %#x", got)
	}

	if !p.CompareAndSwapUint32(0, 0, 7) || p.CompareAndSwapUint32(0, 0, 8) {
		t.Fatal("compare-and-swap misbehaved")
	}
}

func mustPanic(t *testing.T, f func()) {
	t.Helper()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()

	f()
}
