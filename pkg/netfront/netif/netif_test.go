// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package netif_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/siderolabs/talos-xenguest/pkg/netfront/netif"
	"github.com/siderolabs/talos-xenguest/pkg/ring"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

func TestTxLayout(t *testing.T) {
	page := shmem.NewPage(1)
	ring.Format(page)

	front := ring.NewFrontRing("tx", page, netif.TxSlotSize)
	back := ring.NewBackRing("tx", page, netif.TxSlotSize)

	req := netif.TxRequest{Gref: 0x01020304, Offset: 14, Flags: netif.FlagCsumBlank, ID: 7, Size: 1500}
	req.Put(front.NextRequest())
	front.PushRequests()

	// gref is the first word of slot 0
	if got := page.Uint32(ring.HeaderSize); got != 0x01020304 {
		t.Fatalf("gref at slot start = %#x", got)
	}

	if got := page.Uint16(ring.HeaderSize + 10); got != 1500 {
		t.Fatalf("size at offset 10 = %d", got)
	}

	if diff := cmp.Diff(req, netif.ReadTxRequest(back.Request(0))); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	back.ConsumeRequest()

	netif.TxResponse{ID: 7, Status: netif.StatusDropped}.Put(back.NextResponse())
	back.PushResponses()

	n, err := front.UnconsumedResponses()
	if err != nil || n != 1 {
		t.Fatalf("responses = %d, %v", n, err)
	}

	if diff := cmp.Diff(netif.TxResponse{ID: 7, Status: netif.StatusDropped}, netif.ReadTxResponse(front.Response(0))); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestRxLayout(t *testing.T) {
	page := shmem.NewPage(1)
	ring.Format(page)

	front := ring.NewFrontRing("rx", page, netif.RxSlotSize)
	back := ring.NewBackRing("rx", page, netif.RxSlotSize)

	netif.RxRequest{ID: 3, Gref: 99}.Put(front.NextRequest())
	front.PushRequests()

	if got := page.Uint32(ring.HeaderSize + 4); got != 99 {
		t.Fatalf("gref at offset 4 = %d", got)
	}

	if diff := cmp.Diff(netif.RxRequest{ID: 3, Gref: 99}, netif.ReadRxRequest(back.Request(0))); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	back.ConsumeRequest()

	rsp := netif.RxResponse{ID: 3, Offset: 0, Flags: netif.FlagDataValidated, Status: 60}
	rsp.Put(back.NextResponse())
	back.PushResponses()

	if diff := cmp.Diff(rsp, netif.ReadRxResponse(front.Response(0))); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}
