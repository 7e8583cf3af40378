// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package shmem is the memory-mapping primitive everything else sits on.
//
// A machine frame handed out by the hypervisor is exposed as a Page, a
// bounds-checked view of exactly PageSize bytes. Words that are shared with
// another domain (ring indices, grant flags, event bitmaps) must only be
// touched through the atomic accessors; the plain accessors are for fields
// that are published by a later atomic store.
package shmem
