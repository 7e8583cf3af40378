// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

// this file contains the argument structures of the hypercalls the guest issues

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

// ErrShortBuffer is returned when unmarshaling from a buffer smaller than the structure.
var ErrShortBuffer = errors.New("buffer too short for hypercall argument")

// Op is the argument of one hypercall.
type Op interface {
	// Name is the C name of the operation, e.g. "evtchn_send".
	Name() string
	Hypercall() Hypercall
	Cmd() uint32
	// MarshalBinary returns the bytes handed to the hypervisor.
	MarshalBinary() ([]byte, error)
}

func handle[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(s))))
}

func need(b []byte, n int) error {
	if len(b) < n {
		return fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(b), n)
	}

	return nil
}

// EvtchnAllocUnbound allocates a port that Remote may later bind to.
//
//	offset 0: domid_t dom
//	offset 2: domid_t remote_dom
//	offset 4: evtchn_port_t port (OUT)
type EvtchnAllocUnbound struct {
	Dom    DomID
	Remote DomID
	Port   uint32
}

// Name implements Op.
func (*EvtchnAllocUnbound) Name() string { return "evtchn_alloc_unbound" }

// Hypercall implements Op.
func (*EvtchnAllocUnbound) Hypercall() Hypercall { return HypercallEventChannelOp }

// Cmd implements Op.
func (*EvtchnAllocUnbound) Cmd() uint32 { return EvtchnOpAllocUnbound }

// MarshalBinary implements Op.
func (o *EvtchnAllocUnbound) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:], uint16(o.Dom))
	binary.LittleEndian.PutUint16(b[2:], uint16(o.Remote))
	binary.LittleEndian.PutUint32(b[4:], o.Port)

	return b, nil
}

// UnmarshalBinary reads the structure back, e.g. after the hypervisor filled Port.
func (o *EvtchnAllocUnbound) UnmarshalBinary(b []byte) error {
	if err := need(b, 8); err != nil {
		return err
	}

	o.Dom = DomID(binary.LittleEndian.Uint16(b[0:]))
	o.Remote = DomID(binary.LittleEndian.Uint16(b[2:]))
	o.Port = binary.LittleEndian.Uint32(b[4:])

	return nil
}

// EvtchnBindInterdomain connects to a port Remote has allocated for us.
//
//	offset 0: domid_t remote_dom
//	offset 4: evtchn_port_t remote_port
//	offset 8: evtchn_port_t local_port (OUT)
type EvtchnBindInterdomain struct {
	Remote     DomID
	RemotePort uint32
	LocalPort  uint32
}

// Name implements Op.
func (*EvtchnBindInterdomain) Name() string { return "evtchn_bind_interdomain" }

// Hypercall implements Op.
func (*EvtchnBindInterdomain) Hypercall() Hypercall { return HypercallEventChannelOp }

// Cmd implements Op.
func (*EvtchnBindInterdomain) Cmd() uint32 { return EvtchnOpBindInterdomain }

// MarshalBinary implements Op.
func (o *EvtchnBindInterdomain) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint16(b[0:], uint16(o.Remote))
	binary.LittleEndian.PutUint32(b[4:], o.RemotePort)
	binary.LittleEndian.PutUint32(b[8:], o.LocalPort)

	return b, nil
}

// EvtchnClose closes a local port.
type EvtchnClose struct {
	Port uint32
}

// Name implements Op.
func (*EvtchnClose) Name() string { return "evtchn_close" }

// Hypercall implements Op.
func (*EvtchnClose) Hypercall() Hypercall { return HypercallEventChannelOp }

// Cmd implements Op.
func (*EvtchnClose) Cmd() uint32 { return EvtchnOpClose }

// MarshalBinary implements Op.
func (o *EvtchnClose) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, o.Port), nil
}

// EvtchnSend notifies the remote end of a port.
type EvtchnSend struct {
	Port uint32
}

// Name implements Op.
func (*EvtchnSend) Name() string { return "evtchn_send" }

// Hypercall implements Op.
func (*EvtchnSend) Hypercall() Hypercall { return HypercallEventChannelOp }

// Cmd implements Op.
func (*EvtchnSend) Cmd() uint32 { return EvtchnOpSend }

// MarshalBinary implements Op.
func (o *EvtchnSend) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, o.Port), nil
}

// GnttabSetupTable asks the hypervisor for the frames backing a grant table.
//
//	offset  0: domid_t dom
//	offset  4: uint32_t nr_frames
//	offset  8: int16_t status (OUT)
//	offset 16: XEN_GUEST_HANDLE(xen_pfn_t) frame_list (OUT, NrFrames entries)
type GnttabSetupTable struct {
	Frames   []shmem.Frame
	NrFrames uint32
	Dom      DomID
	Status   GrantStatus
}

// Name implements Op.
func (*GnttabSetupTable) Name() string { return "gnttab_setup_table" }

// Hypercall implements Op.
func (*GnttabSetupTable) Hypercall() Hypercall { return HypercallGrantTableOp }

// Cmd implements Op.
func (*GnttabSetupTable) Cmd() uint32 { return GnttabOpSetupTable }

// MarshalBinary implements Op.
func (o *GnttabSetupTable) MarshalBinary() ([]byte, error) {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint16(b[0:], uint16(o.Dom))
	binary.LittleEndian.PutUint32(b[4:], o.NrFrames)
	binary.LittleEndian.PutUint16(b[8:], uint16(o.Status))
	binary.LittleEndian.PutUint64(b[16:], handle(o.Frames))

	return b, nil
}

// SchedYield gives up the CPU to another VCPU.
type SchedYield struct{}

// Name implements Op.
func (*SchedYield) Name() string { return "sched_yield" }

// Hypercall implements Op.
func (*SchedYield) Hypercall() Hypercall { return HypercallSchedOp }

// Cmd implements Op.
func (*SchedYield) Cmd() uint32 { return SchedOpYield }

// MarshalBinary implements Op.
func (*SchedYield) MarshalBinary() ([]byte, error) { return nil, nil }

// SchedPoll blocks the domain until one of Ports is pending or the absolute
// system time Timeout (nanoseconds, 0 for none) has passed.
//
//	offset  0: XEN_GUEST_HANDLE(evtchn_port_t) ports
//	offset  8: unsigned int nr_ports
//	offset 16: uint64_t timeout
type SchedPoll struct {
	Ports   []uint32
	Timeout uint64
}

// Name implements Op.
func (*SchedPoll) Name() string { return "sched_poll" }

// Hypercall implements Op.
func (*SchedPoll) Hypercall() Hypercall { return HypercallSchedOp }

// Cmd implements Op.
func (*SchedPoll) Cmd() uint32 { return SchedOpPoll }

// MarshalBinary implements Op.
func (o *SchedPoll) MarshalBinary() ([]byte, error) {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b[0:], handle(o.Ports))
	binary.LittleEndian.PutUint32(b[8:], uint32(len(o.Ports)))
	binary.LittleEndian.PutUint64(b[16:], o.Timeout)

	return b, nil
}

// SchedShutdown stops the domain.
type SchedShutdown struct {
	Reason ShutdownReason
}

// Name implements Op.
func (*SchedShutdown) Name() string { return "sched_shutdown" }

// Hypercall implements Op.
func (*SchedShutdown) Hypercall() Hypercall { return HypercallSchedOp }

// Cmd implements Op.
func (*SchedShutdown) Cmd() uint32 { return SchedOpShutdown }

// MarshalBinary implements Op.
func (o *SchedShutdown) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, uint32(o.Reason)), nil
}
