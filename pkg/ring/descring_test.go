// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package ring

import (
	"errors"
	"testing"

	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

func TestSize(t *testing.T) {
	for _, tc := range []struct {
		slot int
		want uint32
	}{
		{slot: 8, want: 256},
		{slot: 12, want: 256},
		{slot: 16, want: 128},
		{slot: 112, want: 32},
		{slot: 4096, want: 0},
	} {
		if got := Size(tc.slot); got != tc.want {
			t.Errorf("Size(%d) = %d, want %d", tc.slot, got, tc.want)
		}
	}
}

func newDescPair(t *testing.T, slot int) (*FrontRing, *BackRing) {
	t.Helper()

	p := shmem.NewPage(2)
	Format(p)

	return NewFrontRing("test", p, slot), NewBackRing("test", p, slot)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	front, back := newDescPair(t, 8)

	for i := range uint32(1000) {
		if front.Full() {
			t.Fatalf("ring full at %d with nothing outstanding", i)
		}

		req := front.NextRequest()
		req.PutUint32(0, i)
		req.PutUint16(4, uint16(i))
		front.PushRequests()

		n, err := back.UnconsumedRequests()
		if err != nil || n != 1 {
			t.Fatalf("unconsumed requests = %d, %v", n, err)
		}

		got := back.Request(0)
		if got.Uint32(0) != i || got.Uint16(4) != uint16(i) {
			t.Fatalf("request %d corrupted", i)
		}

		back.ConsumeRequest()

		rsp := back.NextResponse()
		rsp.PutInt16(0, -int16(i%100))
		back.PushResponses()

		n, err = front.UnconsumedResponses()
		if err != nil || n != 1 {
			t.Fatalf("unconsumed responses = %d, %v", n, err)
		}

		if got := front.Response(0).Int16(0); got != -int16(i%100) {
			t.Fatalf("response %d = %d", i, got)
		}

		front.ConsumeResponse()
	}
}

func TestFrontRingFillsToCapacity(t *testing.T) {
	front, _ := newDescPair(t, 12)

	for range front.Size() {
		front.NextRequest()
	}

	if !front.Full() || front.FreeRequests() != 0 {
		t.Fatalf("expected full ring, %d free", front.FreeRequests())
	}
}

func TestNotifyHoldOff(t *testing.T) {
	front, back := newDescPair(t, 8)

	// req_event starts at 1: the first request needs a notification
	front.NextRequest()

	if !front.PushRequests() {
		t.Fatal("first push must notify")
	}

	// the back end has not re-armed, later pushes stay quiet
	front.NextRequest()

	if front.PushRequests() {
		t.Fatal("second push must not notify")
	}

	for range 2 {
		back.ConsumeRequest()
	}

	more, err := back.FinalCheckForRequests()
	if err != nil || more {
		t.Fatalf("final check = %v, %v", more, err)
	}

	front.NextRequest()

	if !front.PushRequests() {
		t.Fatal("push after re-arm must notify")
	}
}

func TestFinalCheckForResponsesSeesLateResponse(t *testing.T) {
	front, back := newDescPair(t, 8)

	front.NextRequest()
	front.PushRequests()
	back.ConsumeRequest()

	more, err := front.FinalCheckForResponses()
	if err != nil || more {
		t.Fatalf("final check = %v, %v", more, err)
	}

	back.NextResponse()

	if !back.PushResponses() {
		t.Fatal("response after re-arm must notify")
	}

	more, err = front.FinalCheckForResponses()
	if err != nil || !more {
		t.Fatalf("final check = %v, %v", more, err)
	}
}

func TestDescRingViolations(t *testing.T) {
	front, back := newDescPair(t, 8)
	p := front.page

	p.StoreUint32(offReqProd, back.Size()+1)

	if _, err := back.UnconsumedRequests(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected violation on requests, got %v", err)
	}

	p.StoreUint32(offRspProd, 3)

	if _, err := front.UnconsumedResponses(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected violation on unsolicited responses, got %v", err)
	}
}
