// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package ring

import (
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

// Store ring layout, as in struct xenstore_domain_interface:
//
//	offset    0: char req[1024]
//	offset 1024: char rsp[1024]
//	offset 2048: uint32 req_cons, req_prod, rsp_cons, rsp_prod
const (
	ByteRingSize = 1024

	offByteReq     = 0
	offByteRsp     = ByteRingSize
	offByteReqCons = 2 * ByteRingSize
	offByteReqProd = offByteReqCons + 4
	offByteRspCons = offByteReqCons + 8
	offByteRspProd = offByteReqCons + 12
)

// Console ring layout, as in struct xencons_interface:
//
//	offset    0: char in[1024]
//	offset 1024: char out[2048]
//	offset 3072: uint32 in_cons, in_prod, out_cons, out_prod
const (
	ConsoleInSize  = 1024
	ConsoleOutSize = 2048

	offConsIn      = 0
	offConsOut     = ConsoleInSize
	offConsInCons  = ConsoleInSize + ConsoleOutSize
	offConsInProd  = offConsInCons + 4
	offConsOutCons = offConsInCons + 8
	offConsOutProd = offConsInCons + 12
)

type byteArea struct {
	name string
	size uint32
	data int
	cons int
	prod int
}

var (
	reqArea = byteArea{name: "req", size: ByteRingSize, data: offByteReq, cons: offByteReqCons, prod: offByteReqProd}
	rspArea = byteArea{name: "rsp", size: ByteRingSize, data: offByteRsp, cons: offByteRspCons, prod: offByteRspProd}

	consInArea  = byteArea{name: "cons-in", size: ConsoleInSize, data: offConsIn, cons: offConsInCons, prod: offConsInProd}
	consOutArea = byteArea{name: "cons-out", size: ConsoleOutSize, data: offConsOut, cons: offConsOutCons, prod: offConsOutProd}
)

// ByteRing is one end of a pair of byte streams sharing a page.
type ByteRing struct {
	page shmem.Page
	out  byteArea
	in   byteArea
}

// FormatByteRing zeroes the page, resetting both streams.
func FormatByteRing(p shmem.Page) {
	p.Zero()
}

// NewFrontByteRing returns the guest end: it writes requests and reads responses.
func NewFrontByteRing(p shmem.Page) *ByteRing {
	return &ByteRing{page: p, out: reqArea, in: rspArea}
}

// NewBackByteRing returns the service end: it reads requests and writes responses.
func NewBackByteRing(p shmem.Page) *ByteRing {
	return &ByteRing{page: p, out: rspArea, in: reqArea}
}

// NewFrontConsoleRing returns the guest end of a console page: it writes
// output and reads input.
func NewFrontConsoleRing(p shmem.Page) *ByteRing {
	return &ByteRing{page: p, out: consOutArea, in: consInArea}
}

// NewBackConsoleRing returns the console daemon end.
func NewBackConsoleRing(p shmem.Page) *ByteRing {
	return &ByteRing{page: p, out: consInArea, in: consOutArea}
}

// Page returns the page backing the ring.
func (r *ByteRing) Page() shmem.Page {
	return r.page
}

// Writable returns how many bytes Write would accept now.
func (r *ByteRing) Writable() (int, error) {
	prod, cons, err := r.indices(r.out)
	if err != nil {
		return 0, err
	}

	return int(Free(r.out.size, prod, cons)), nil
}

// Readable returns how many bytes Read would return now.
func (r *ByteRing) Readable() (int, error) {
	prod, cons, err := r.indices(r.in)
	if err != nil {
		return 0, err
	}

	return int(Used(prod, cons)), nil
}

func (r *ByteRing) indices(a byteArea) (uint32, uint32, error) {
	cons := r.page.LoadUint32(a.cons)
	prod := r.page.LoadUint32(a.prod)

	if err := Check(a.name, prod, cons, a.size); err != nil {
		return 0, 0, err
	}

	return prod, cons, nil
}

// Write copies as much of p as fits and publishes it. It returns the number
// of bytes written, which may be short or zero.
func (r *ByteRing) Write(p []byte) (int, error) {
	prod, cons, err := r.indices(r.out)
	if err != nil {
		return 0, err
	}

	n := min(len(p), int(Free(r.out.size, prod, cons)))
	if n == 0 {
		return 0, nil
	}

	area := r.page.Slice(r.out.data, int(r.out.size))
	pos := int(prod & (r.out.size - 1))

	first := copy(area[pos:], p[:n])
	copy(area, p[first:n])

	r.page.StoreUint32(r.out.prod, prod+uint32(n))

	return n, nil
}

// Read copies up to len(p) available bytes and releases their space. It
// returns the number of bytes read, which may be short or zero.
func (r *ByteRing) Read(p []byte) (int, error) {
	prod, cons, err := r.indices(r.in)
	if err != nil {
		return 0, err
	}

	n := min(len(p), int(Used(prod, cons)))
	if n == 0 {
		return 0, nil
	}

	area := r.page.Slice(r.in.data, int(r.in.size))
	pos := int(cons & (r.in.size - 1))

	first := copy(p[:n], area[pos:])
	copy(p[first:n], area)

	r.page.StoreUint32(r.in.cons, cons+uint32(n))

	return n, nil
}
