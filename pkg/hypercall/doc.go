// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package hypercall describes the boundary between a paravirtualized guest and
// the Xen hypervisor. It has been written against these sources:
//
// - xen/include/public/event_channel.h
// - xen/include/public/grant_table.h
// - xen/include/public/sched.h
// - xen/include/public/xen.h (shared_info, vcpu_info, start_info)
//
// Every hypercall takes a small fixed-layout argument structure. The Go
// structures in this package carry the same fields, and their MarshalBinary
// methods produce the exact little-endian bytes the hypervisor expects, so a
// trap implementation can hand them over unchanged.
package hypercall
