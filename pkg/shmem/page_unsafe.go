// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"sync/atomic"
	"unsafe"
)

func (p Page) word32(off int) *uint32 {
	p.check(off, 4, 4)

	return (*uint32)(unsafe.Pointer(&p.buf[off]))
}

func (p Page) word64(off int) *uint64 {
	p.check(off, 8, 8)

	return (*uint64)(unsafe.Pointer(&p.buf[off]))
}

// LoadUint32 atomically loads the 32-bit word at off.
func (p Page) LoadUint32(off int) uint32 {
	return atomic.LoadUint32(p.word32(off))
}

// StoreUint32 atomically stores the 32-bit word at off. Every write made
// before the store is visible to a reader that observes the stored value.
func (p Page) StoreUint32(off int, v uint32) {
	atomic.StoreUint32(p.word32(off), v)
}

// CompareAndSwapUint32 executes a compare-and-swap on the 32-bit word at off.
func (p Page) CompareAndSwapUint32(off int, old, v uint32) bool {
	return atomic.CompareAndSwapUint32(p.word32(off), old, v)
}

// OrUint32 atomically sets mask in the 32-bit word at off, returning the old value.
func (p Page) OrUint32(off int, mask uint32) uint32 {
	return atomic.OrUint32(p.word32(off), mask)
}

// AndUint32 atomically keeps only mask in the 32-bit word at off, returning the old value.
func (p Page) AndUint32(off int, mask uint32) uint32 {
	return atomic.AndUint32(p.word32(off), mask)
}

// LoadUint64 atomically loads the 64-bit word at off.
func (p Page) LoadUint64(off int) uint64 {
	return atomic.LoadUint64(p.word64(off))
}

// StoreUint64 atomically stores the 64-bit word at off.
func (p Page) StoreUint64(off int, v uint64) {
	atomic.StoreUint64(p.word64(off), v)
}

// SwapUint64 atomically replaces the 64-bit word at off, returning the old value.
func (p Page) SwapUint64(off int, v uint64) uint64 {
	return atomic.SwapUint64(p.word64(off), v)
}

// OrUint64 atomically sets mask in the 64-bit word at off, returning the old value.
func (p Page) OrUint64(off int, mask uint64) uint64 {
	return atomic.OrUint64(p.word64(off), mask)
}

// AndUint64 atomically keeps only mask in the 64-bit word at off, returning the old value.
func (p Page) AndUint64(off int, mask uint64) uint64 {
	return atomic.AndUint64(p.word64(off), mask)
}
