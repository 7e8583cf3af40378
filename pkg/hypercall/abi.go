// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

// Hypercall is a hypercall number (__HYPERVISOR_*).
type Hypercall uint32

// Hypercall numbers used by the guest core.
const (
	HypercallGrantTableOp   Hypercall = 20
	HypercallSchedOp        Hypercall = 29
	HypercallEventChannelOp Hypercall = 32
)

// String returns the hypercall name.
func (h Hypercall) String() string {
	switch h {
	case HypercallGrantTableOp:
		return "grant_table_op"
	case HypercallSchedOp:
		return "sched_op"
	case HypercallEventChannelOp:
		return "event_channel_op"
	}

	return "UNKNOWN"
}

// Event channel sub-commands (EVTCHNOP_*).
const (
	EvtchnOpBindInterdomain uint32 = 0
	EvtchnOpClose           uint32 = 3
	EvtchnOpSend            uint32 = 4
	EvtchnOpAllocUnbound    uint32 = 6
)

// Grant table sub-commands (GNTTABOP_*).
const (
	GnttabOpSetupTable uint32 = 2
)

// Scheduler sub-commands (SCHEDOP_*).
const (
	SchedOpYield    uint32 = 0
	SchedOpBlock    uint32 = 1
	SchedOpShutdown uint32 = 2
	SchedOpPoll     uint32 = 3
)

// ShutdownReason is the reason passed along SCHEDOP_shutdown.
type ShutdownReason uint32

// SHUTDOWN_* codes.
const (
	ShutdownPoweroff ShutdownReason = 0
	ShutdownReboot   ShutdownReason = 1
	ShutdownSuspend  ShutdownReason = 2
	ShutdownCrash    ShutdownReason = 3
)

// String returns the reason name.
func (r ShutdownReason) String() string {
	switch r {
	case ShutdownPoweroff:
		return "poweroff"
	case ShutdownReboot:
		return "reboot"
	case ShutdownSuspend:
		return "suspend"
	case ShutdownCrash:
		return "crash"
	}

	return "UNKNOWN"
}

// DomID is a domain identifier.
type DomID uint16

// DomIDSelf refers to the calling domain.
const DomIDSelf DomID = 0x7ff0
