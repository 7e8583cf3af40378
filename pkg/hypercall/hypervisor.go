// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"time"

	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

// Hypervisor is what the guest core needs from the hypervisor.
type Hypervisor interface {
	// Call issues a hypercall. OUT fields of op are filled on success.
	Call(op Op) error
	// MapFrame maps a machine frame into the guest.
	MapFrame(f shmem.Frame) (shmem.Page, error)
	// StartInfo returns the boot information page contents.
	StartInfo() StartInfo
	// Now returns the hypervisor system time (time since the domain was created).
	Now() time.Duration
}

// StartInfo is the part of start_info the guest core consumes.
type StartInfo struct {
	SharedInfo    shmem.Frame
	StoreMFN      shmem.Frame
	ConsoleMFN    shmem.Frame
	NrPages       uint64
	StoreEvtchn   uint32
	ConsoleEvtchn uint32
	DomID         DomID
}
