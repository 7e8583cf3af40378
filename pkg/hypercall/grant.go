// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

import "github.com/siderolabs/talos-xenguest/pkg/shmem"

// Version 1 grant entry:
//
//	offset 0: uint16 flags
//	offset 2: domid_t domid
//	offset 4: uint32 frame
//
// flags and domid share one 32-bit word so both are published by a single
// store.
const (
	GrantEntrySize      = 8
	GrantEntriesPerPage = shmem.PageSize / GrantEntrySize

	GrantEntryFlagsWord = 0
	GrantEntryFrame     = 4
)

// Grant entry flags.
const (
	GTFInvalid      uint16 = 0
	GTFPermitAccess uint16 = 1
	GTFTypeMask     uint16 = 3
	GTFReadonly     uint16 = 1 << 2
	GTFReading      uint16 = 1 << 3
	GTFWriting      uint16 = 1 << 4
)

// GrantWord packs flags and domid the way they sit in the first word of an entry.
func GrantWord(domid DomID, flags uint16) uint32 {
	return uint32(domid)<<16 | uint32(flags)
}

// SplitGrantWord is the inverse of GrantWord.
func SplitGrantWord(w uint32) (DomID, uint16) {
	return DomID(w >> 16), uint16(w)
}

// GrantEntryLocation returns the table frame index and byte offset of ref.
func GrantEntryLocation(ref uint32) (int, int) {
	return int(ref / GrantEntriesPerPage), int(ref%GrantEntriesPerPage) * GrantEntrySize
}
