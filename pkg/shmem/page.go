// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// PageSize is the size of a machine frame.
const PageSize = 4096

// Frame is a machine frame number.
type Frame uint64

// Page is a view of a single mapped machine frame.
type Page struct {
	buf   []byte
	frame Frame
}

// NewPage returns a page backed by ordinary, 8-byte aligned Go memory.
// It is useful for rings that are not shared with a real hypervisor.
func NewPage(frame Frame) Page {
	words := make([]uint64, PageSize/8)

	return Page{
		frame: frame,
		buf:   unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), PageSize),
	}
}

// Frame returns the machine frame number backing the page.
func (p Page) Frame() Frame {
	return p.frame
}

// Valid reports whether the page is mapped.
func (p Page) Valid() bool {
	return len(p.buf) == PageSize
}

// Bytes returns the whole page.
func (p Page) Bytes() []byte {
	return p.buf
}

// Slice returns the n bytes starting at off.
func (p Page) Slice(off, n int) []byte {
	p.check(off, n, 1)

	return p.buf[off : off+n : off+n]
}

// Zero clears the page.
func (p Page) Zero() {
	clear(p.buf)
}

// Uint16 reads a little-endian 16-bit field.
func (p Page) Uint16(off int) uint16 {
	p.check(off, 2, 1)

	return binary.LittleEndian.Uint16(p.buf[off:])
}

// PutUint16 writes a little-endian 16-bit field.
func (p Page) PutUint16(off int, v uint16) {
	p.check(off, 2, 1)
	binary.LittleEndian.PutUint16(p.buf[off:], v)
}

// Uint32 reads a little-endian 32-bit field.
func (p Page) Uint32(off int) uint32 {
	p.check(off, 4, 1)

	return binary.LittleEndian.Uint32(p.buf[off:])
}

// PutUint32 writes a little-endian 32-bit field.
func (p Page) PutUint32(off int, v uint32) {
	p.check(off, 4, 1)
	binary.LittleEndian.PutUint32(p.buf[off:], v)
}

func (p Page) check(off, n, align int) {
	if off < 0 || n < 0 || off+n > len(p.buf) {
		panic(fmt.Sprintf("shmem: access [%d:%d] out of range of frame %#x (len %d)", off, off+n, p.frame, len(p.buf)))
	}

	if off%align != 0 {
		panic(fmt.Sprintf("shmem: offset %d of frame %#x is not %d-byte aligned", off, p.frame, align))
	}
}
