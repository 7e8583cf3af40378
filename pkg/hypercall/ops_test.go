// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"bytes"
	"errors"
	"testing"
)

func TestOpLayout(t *testing.T) {
	for _, tc := range []struct {
		op   Op
		want []byte
	}{
		{
			op:   &EvtchnAllocUnbound{Dom: DomIDSelf, Remote: 7, Port: 0x01020304},
			want: []byte{0xf0, 0x7f, 0x07, 0x00, 0x04, 0x03, 0x02, 0x01},
		},
		{
			op:   &EvtchnBindInterdomain{Remote: 0x0102, RemotePort: 5, LocalPort: 9},
			want: []byte{0x02, 0x01, 0, 0, 5, 0, 0, 0, 9, 0, 0, 0},
		},
		{
			op:   &EvtchnSend{Port: 0x1ff},
			want: []byte{0xff, 0x01, 0, 0},
		},
		{
			op:   &SchedShutdown{Reason: ShutdownReboot},
			want: []byte{1, 0, 0, 0},
		},
		{
			op:   &SchedPoll{Timeout: 0x0102030405060708},
			want: []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 8, 7, 6, 5, 4, 3, 2, 1},
		},
	} {
		t.Run(tc.op.Name(), func(t *testing.T) {
			got, err := tc.op.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}

			if !bytes.Equal(got, tc.want) {
				t.Fatalf("layout mismatch:\n got %x\nwant %x", got, tc.want)
			}
		})
	}
}

func TestSetupTableLayout(t *testing.T) {
	op := &GnttabSetupTable{Dom: DomIDSelf, NrFrames: 4, Status: GrantBadDomain}

	b, err := op.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	if len(b) != 24 {
		t.Fatalf("expected 24 bytes, got %d", len(b))
	}

	if b[4] != 4 || b[8] != 0xfe || b[9] != 0xff {
		t.Fatalf("unexpected encoding %x", b)
	}
}

func TestAllocUnboundUnmarshal(t *testing.T) {
	var op EvtchnAllocUnbound

	if err := op.UnmarshalBinary([]byte{1, 2}); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}

	if err := op.UnmarshalBinary([]byte{0xf0, 0x7f, 3, 0, 42, 0, 0, 0}); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}

	if op.Dom != DomIDSelf || op.Remote != 3 || op.Port != 42 {
		t.Fatalf("unexpected result %+v", op)
	}
}

func TestStatus(t *testing.T) {
	if err := Status(0); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	err := error(&OpError{Op: "evtchn_send", Err: Status(-22)})
	if !errors.Is(err, EINVAL) {
		t.Fatalf("expected EINVAL in chain, got %v", err)
	}
}
