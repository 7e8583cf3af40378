// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrOutOfMemory is returned when the arena has no free frame left.
	ErrOutOfMemory = errors.New("out of machine frames")

	// ErrBadFrame is returned for a frame number the arena does not back.
	ErrBadFrame = errors.New("frame not backed by arena")

	// ErrArenaClosed is returned once the arena has been unmapped.
	ErrArenaClosed = errors.New("arena closed")
)

// Allocator hands out whole pages.
type Allocator interface {
	AllocPage() (Page, error)
	FreePage(Page)
}

// Arena is a contiguous range of machine memory, frame n living at byte
// offset n*PageSize.
type Arena struct {
	mu   sync.Mutex
	mem  []byte
	free []Frame
	used map[Frame]struct{}
}

// NewArena maps npages of anonymous memory.
func NewArena(npages int) (*Arena, error) {
	if npages <= 0 {
		return nil, fmt.Errorf("invalid arena size %d", npages)
	}

	if unix.Getpagesize() > PageSize && unix.Getpagesize()%PageSize != 0 {
		return nil, fmt.Errorf("host page size %d incompatible with frame size %d", unix.Getpagesize(), PageSize)
	}

	mem, err := unix.Mmap(-1, 0, npages*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("error mapping %d frames: %w", npages, err)
	}

	a := &Arena{
		mem:  mem,
		free: make([]Frame, 0, npages),
		used: make(map[Frame]struct{}, npages),
	}

	// hand out low frames first
	for f := npages - 1; f >= 0; f-- {
		a.free = append(a.free, Frame(f))
	}

	return a, nil
}

// Frames returns the number of frames the arena spans.
func (a *Arena) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.mem) / PageSize
}

// FreeFrames returns the number of frames that can still be allocated.
func (a *Arena) FreeFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.free)
}

// Page maps frame f. It does not change the allocation state of f.
func (a *Arena) Page(f Frame) (Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return Page{}, ErrArenaClosed
	}

	if f >= Frame(len(a.mem)/PageSize) {
		return Page{}, fmt.Errorf("%w: %#x", ErrBadFrame, f)
	}

	off := int(f) * PageSize

	return Page{frame: f, buf: a.mem[off : off+PageSize : off+PageSize]}, nil
}

// AllocPage takes a free frame and returns it zeroed.
func (a *Arena) AllocPage() (Page, error) {
	a.mu.Lock()

	if a.mem == nil {
		a.mu.Unlock()

		return Page{}, ErrArenaClosed
	}

	if len(a.free) == 0 {
		a.mu.Unlock()

		return Page{}, ErrOutOfMemory
	}

	f := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.used[f] = struct{}{}
	a.mu.Unlock()

	p, err := a.Page(f)
	if err != nil {
		return Page{}, err
	}

	p.Zero()

	return p, nil
}

// FreePage returns a page to the arena. Freeing a page twice is ignored.
func (a *Arena) FreePage(p Page) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.used[p.frame]; !ok {
		return
	}

	delete(a.used, p.frame)
	a.free = append(a.free, p.frame)
}

// Close unmaps the arena. Pages obtained from it must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}

	err := unix.Munmap(a.mem)
	a.mem = nil
	a.free = nil

	return err
}
