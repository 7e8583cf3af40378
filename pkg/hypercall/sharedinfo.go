// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"fmt"

	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

// shared_info layout on x86_64: 32 vcpu_info slots of 64 bytes, then the
// pending and mask bitmaps of 64 words each.
const (
	vcpuInfoSize        = 64
	offUpcallPending    = 0 // uint8 evtchn_upcall_pending, uint8 evtchn_upcall_mask
	offPendingSel       = 8
	offEvtchnPending    = 32 * vcpuInfoSize
	offEvtchnMask       = offEvtchnPending + 64*8
	upcallPendingMask   = 0xff
	bitsPerWord         = 64
	sharedInfoEvtchnMax = 64 * bitsPerWord
)

// SharedInfo is a view of the shared_info page as seen by VCPU 0.
type SharedInfo struct {
	page shmem.Page
}

// NewSharedInfo wraps a mapped shared_info page.
func NewSharedInfo(p shmem.Page) (*SharedInfo, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("shared info frame %#x is not mapped", p.Frame())
	}

	return &SharedInfo{page: p}, nil
}

// MaxPorts is the number of ports the bitmaps can address.
func (*SharedInfo) MaxPorts() int {
	return sharedInfoEvtchnMax
}

// UpcallPending reports whether an upcall is outstanding.
func (s *SharedInfo) UpcallPending() bool {
	return s.page.LoadUint32(offUpcallPending)&upcallPendingMask != 0
}

// ClearUpcallPending acknowledges the upcall.
func (s *SharedInfo) ClearUpcallPending() {
	s.page.AndUint32(offUpcallPending, ^uint32(upcallPendingMask))
}

// SetUpcallPending requests an upcall.
func (s *SharedInfo) SetUpcallPending() {
	s.page.OrUint32(offUpcallPending, 1)
}

// SwapPendingSel reads and zeroes the selector word.
func (s *SharedInfo) SwapPendingSel() uint64 {
	return s.page.SwapUint64(offPendingSel, 0)
}

// PendingSel returns the selector word.
func (s *SharedInfo) PendingSel() uint64 {
	return s.page.LoadUint64(offPendingSel)
}

// PendingWord returns word i of the pending bitmap.
func (s *SharedInfo) PendingWord(i int) uint64 {
	return s.page.LoadUint64(offEvtchnPending + 8*i)
}

// MaskWord returns word i of the mask bitmap.
func (s *SharedInfo) MaskWord(i int) uint64 {
	return s.page.LoadUint64(offEvtchnMask + 8*i)
}

func split(port uint32) (int, uint64) {
	return int(port / bitsPerWord), uint64(1) << (port % bitsPerWord)
}

// TestPending reports whether port is pending.
func (s *SharedInfo) TestPending(port uint32) bool {
	w, bit := split(port)

	return s.PendingWord(w)&bit != 0
}

// ClearPending clears the pending bit of port.
func (s *SharedInfo) ClearPending(port uint32) {
	w, bit := split(port)
	s.page.AndUint64(offEvtchnPending+8*w, ^bit)
}

// TestMask reports whether port is masked.
func (s *SharedInfo) TestMask(port uint32) bool {
	w, bit := split(port)

	return s.MaskWord(w)&bit != 0
}

// SetMask masks port.
func (s *SharedInfo) SetMask(port uint32) {
	w, bit := split(port)
	s.page.OrUint64(offEvtchnMask+8*w, bit)
}

// ClearMask unmasks port. If the port is pending, the selector and upcall
// bits are raised again so the event is not lost.
func (s *SharedInfo) ClearMask(port uint32) {
	w, bit := split(port)
	s.page.AndUint64(offEvtchnMask+8*w, ^bit)

	if s.TestPending(port) {
		if s.page.OrUint64(offPendingSel, uint64(1)<<w)&(uint64(1)<<w) == 0 {
			s.SetUpcallPending()
		}
	}
}

// Raise marks port pending the way the hypervisor does. It reports false if
// the port was already pending, in which case the notification coalesces.
func (s *SharedInfo) Raise(port uint32) bool {
	w, bit := split(port)

	if s.page.OrUint64(offEvtchnPending+8*w, bit)&bit != 0 {
		return false
	}

	if s.TestMask(port) {
		return true
	}

	if s.page.OrUint64(offPendingSel, uint64(1)<<w)&(uint64(1)<<w) == 0 {
		s.SetUpcallPending()
	}

	return true
}
