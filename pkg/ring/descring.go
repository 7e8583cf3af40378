// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package ring

import (
	"fmt"
	"math/bits"

	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

// Split ring header, as in DEFINE_RING_TYPES:
//
//	offset  0: uint32 req_prod
//	offset  4: uint32 req_event
//	offset  8: uint32 rsp_prod
//	offset 12: uint32 rsp_event
//	offset 16: padding up to HeaderSize, then the slots
const (
	HeaderSize = 64

	offReqProd  = 0
	offReqEvent = 4
	offRspProd  = 8
	offRspEvent = 12
)

// Size returns the number of slots of slotSize bytes that fit in one page.
func Size(slotSize int) uint32 {
	n := uint(shmem.PageSize-HeaderSize) / uint(slotSize)
	if n == 0 {
		return 0
	}

	return 1 << (bits.Len(n) - 1)
}

// Format initialises the shared header of a split ring.
func Format(p shmem.Page) {
	p.Zero()
	p.StoreUint32(offReqEvent, 1)
	p.StoreUint32(offRspEvent, 1)
}

// Slot is one request or response slot of a split ring.
type Slot struct {
	page shmem.Page
	off  int
	size int
}

func (s Slot) at(off, n int) int {
	if off < 0 || off+n > s.size {
		panic(fmt.Sprintf("ring: slot field [%d:%d] outside slot of %d bytes", off, off+n, s.size))
	}

	return s.off + off
}

// Uint16 returns the field at off.
func (s Slot) Uint16(off int) uint16 {
	return s.page.Uint16(s.at(off, 2))
}

// PutUint16 sets the field at off.
func (s Slot) PutUint16(off int, v uint16) {
	s.page.PutUint16(s.at(off, 2), v)
}

// Int16 returns the signed field at off.
func (s Slot) Int16(off int) int16 {
	return int16(s.Uint16(off))
}

// PutInt16 sets the signed field at off.
func (s Slot) PutInt16(off int, v int16) {
	s.PutUint16(off, uint16(v))
}

// Uint32 returns the field at off.
func (s Slot) Uint32(off int) uint32 {
	return s.page.Uint32(s.at(off, 4))
}

// PutUint32 sets the field at off.
func (s Slot) PutUint32(off int, v uint32) {
	s.page.PutUint32(s.at(off, 4), v)
}

type descRing struct {
	name     string
	page     shmem.Page
	slotSize int
	size     uint32
}

func newDescRing(name string, p shmem.Page, slotSize int) descRing {
	size := Size(slotSize)
	if !isPowerOfTwo(size) {
		panic(fmt.Sprintf("ring: slot size %d does not fit a page", slotSize))
	}

	return descRing{name: name, page: p, slotSize: slotSize, size: size}
}

func (r *descRing) slot(idx uint32) Slot {
	return Slot{
		page: r.page,
		off:  HeaderSize + int(idx&(r.size-1))*r.slotSize,
		size: r.slotSize,
	}
}

// push publishes a producer index and reports whether the peer asked to be
// notified for any of the entries between old and new.
func (r *descRing) push(prodOff, eventOff int, newProd uint32) bool {
	oldProd := r.page.LoadUint32(prodOff)
	r.page.StoreUint32(prodOff, newProd)
	event := r.page.LoadUint32(eventOff)

	return newProd-event < newProd-oldProd
}

// FrontRing is the requesting end of a split ring.
type FrontRing struct {
	descRing

	reqProdPvt uint32
	rspCons    uint32
}

// NewFrontRing attaches to a formatted page.
func NewFrontRing(name string, p shmem.Page, slotSize int) *FrontRing {
	return &FrontRing{descRing: newDescRing(name, p, slotSize)}
}

// Size returns the number of slots.
func (r *FrontRing) Size() uint32 {
	return r.size
}

// FreeRequests returns how many requests can be queued now.
func (r *FrontRing) FreeRequests() uint32 {
	return Free(r.size, r.reqProdPvt, r.rspCons)
}

// Full reports whether no request can be queued.
func (r *FrontRing) Full() bool {
	return r.FreeRequests() == 0
}

// NextRequest claims the next request slot. It is published by PushRequests.
// The caller must check Full first.
func (r *FrontRing) NextRequest() Slot {
	s := r.slot(r.reqProdPvt)
	r.reqProdPvt++

	return s
}

// PushRequests publishes queued requests and reports whether the back end
// must be notified.
func (r *FrontRing) PushRequests() bool {
	return r.push(offReqProd, offReqEvent, r.reqProdPvt)
}

// UnconsumedResponses returns how many responses wait to be consumed.
func (r *FrontRing) UnconsumedResponses() (uint32, error) {
	prod := r.page.LoadUint32(offRspProd)

	if prod-r.rspCons > r.reqProdPvt-r.rspCons {
		return 0, &ViolationError{Ring: r.name, Prod: prod, Cons: r.rspCons, Capacity: r.size}
	}

	return prod - r.rspCons, nil
}

// Response returns the i-th unconsumed response.
func (r *FrontRing) Response(i uint32) Slot {
	return r.slot(r.rspCons + i)
}

// ConsumeResponse releases the oldest unconsumed response.
func (r *FrontRing) ConsumeResponse() {
	r.rspCons++
}

// FinalCheckForResponses re-arms the response event and checks once more, so
// a response published concurrently is never missed.
func (r *FrontRing) FinalCheckForResponses() (bool, error) {
	n, err := r.UnconsumedResponses()
	if err != nil || n > 0 {
		return n > 0, err
	}

	r.page.StoreUint32(offRspEvent, r.rspCons+1)

	n, err = r.UnconsumedResponses()

	return n > 0, err
}

// BackRing is the serving end of a split ring.
type BackRing struct {
	descRing

	rspProdPvt uint32
	reqCons    uint32
}

// NewBackRing attaches to a page formatted by the front end.
func NewBackRing(name string, p shmem.Page, slotSize int) *BackRing {
	return &BackRing{descRing: newDescRing(name, p, slotSize)}
}

// Size returns the number of slots.
func (r *BackRing) Size() uint32 {
	return r.size
}

// UnconsumedRequests returns how many requests can be consumed now.
func (r *BackRing) UnconsumedRequests() (uint32, error) {
	prod := r.page.LoadUint32(offReqProd)

	if err := Check(r.name, prod, r.reqCons, r.size); err != nil {
		return 0, err
	}

	req := prod - r.reqCons
	rsp := r.size - (r.reqCons - r.rspProdPvt)

	return min(req, rsp), nil
}

// Request returns the i-th unconsumed request.
func (r *BackRing) Request(i uint32) Slot {
	return r.slot(r.reqCons + i)
}

// ConsumeRequest releases the oldest unconsumed request.
func (r *BackRing) ConsumeRequest() {
	r.reqCons++
}

// NextResponse claims the next response slot. It is published by PushResponses.
func (r *BackRing) NextResponse() Slot {
	s := r.slot(r.rspProdPvt)
	r.rspProdPvt++

	return s
}

// PushResponses publishes queued responses and reports whether the front
// end must be notified.
func (r *BackRing) PushResponses() bool {
	return r.push(offRspProd, offRspEvent, r.rspProdPvt)
}

// FinalCheckForRequests re-arms the request event and checks once more.
func (r *BackRing) FinalCheckForRequests() (bool, error) {
	n, err := r.UnconsumedRequests()
	if err != nil || n > 0 {
		return n > 0, err
	}

	r.page.StoreUint32(offReqEvent, r.reqCons+1)

	n, err = r.UnconsumedRequests()

	return n > 0, err
}
