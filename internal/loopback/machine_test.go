// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/siderolabs/talos-xenguest/internal/util"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

func newMachine(t *testing.T) *Machine {
	t.Helper()

	m, err := New(256, util.Discard())
	if err != nil {
		t.Fatalf("error creating machine: %v", err)
	}

	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("error closing machine: %v", err)
		}
	})

	return m
}

func TestEventChannelPair(t *testing.T) {
	m := newMachine(t)

	guest, err := m.CreateGuest(1)
	if err != nil {
		t.Fatal(err)
	}

	alloc := &hypercall.EvtchnAllocUnbound{Dom: hypercall.DomIDSelf, Remote: 0}
	if err := guest.Call(alloc); err != nil {
		t.Fatal(err)
	}

	dom0 := m.Control()

	local, err := dom0.BindInterdomain(1, alloc.Port)
	if err != nil {
		t.Fatal(err)
	}

	if err := dom0.Notify(local); err != nil {
		t.Fatal(err)
	}

	if !guest.shared.TestPending(alloc.Port) {
		t.Fatal("guest port not pending after remote send")
	}

	if _, err := dom0.BindInterdomain(1, alloc.Port); !errors.Is(err, hypercall.EINVAL) {
		t.Fatalf("second bind of a connected port should fail, got %v", err)
	}

	if err := guest.Call(&hypercall.EvtchnClose{Port: alloc.Port}); err != nil {
		t.Fatal(err)
	}

	// the remote end is unbound now: sending is accepted and dropped
	if err := dom0.Notify(local); err != nil {
		t.Fatalf("send on unbound port: %v", err)
	}

	if err := guest.Call(&hypercall.EvtchnSend{Port: alloc.Port}); !errors.Is(err, hypercall.EINVAL) {
		t.Fatalf("send on closed port should fail, got %v", err)
	}

	if err := guest.Call(&hypercall.EvtchnAllocUnbound{Dom: hypercall.DomIDSelf, Remote: 99}); !errors.Is(err, hypercall.ESRCH) {
		t.Fatalf("alloc towards missing domain should fail, got %v", err)
	}
}

func TestGrantMapping(t *testing.T) {
	m := newMachine(t)

	guest, err := m.CreateGuest(3)
	if err != nil {
		t.Fatal(err)
	}

	setup := &hypercall.GnttabSetupTable{Dom: hypercall.DomIDSelf, NrFrames: 1, Frames: make([]shmem.Frame, 1)}
	if err := guest.Call(setup); err != nil || setup.Status != hypercall.GrantOK {
		t.Fatalf("setup_table = %v, status %v", err, setup.Status)
	}

	table, err := guest.MapFrame(setup.Frames[0])
	if err != nil {
		t.Fatal(err)
	}

	data, err := m.Arena().AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	copy(data.Bytes(), "granted")

	const ref = 9

	_, off := hypercall.GrantEntryLocation(ref)
	table.StoreUint32(off+hypercall.GrantEntryFrame, uint32(data.Frame()))
	table.StoreUint32(off, hypercall.GrantWord(0, hypercall.GTFPermitAccess|hypercall.GTFReadonly))

	dom0 := m.Control()

	if _, err := dom0.MapGrant(3, ref, false); !errors.Is(err, hypercall.GrantPermissionDenied) {
		t.Fatalf("writable map of a read-only grant should fail, got %v", err)
	}

	other, err := m.CreateGuest(4)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := other.MapGrant(3, ref, true); !errors.Is(err, hypercall.GrantPermissionDenied) {
		t.Fatalf("map by a foreign domain should fail, got %v", err)
	}

	mp, err := dom0.MapGrant(3, ref, true)
	if err != nil {
		t.Fatal(err)
	}

	if got := string(mp.Page.Slice(0, 7)); got != "granted" {
		t.Fatalf("mapped page reads %q", got)
	}

	if _, flags := hypercall.SplitGrantWord(table.LoadUint32(off)); flags&hypercall.GTFReading == 0 {
		t.Fatalf("reading flag not set while mapped: %#x", flags)
	}

	mp.Unmap()
	mp.Unmap()

	if _, flags := hypercall.SplitGrantWord(table.LoadUint32(off)); flags&hypercall.GTFReading != 0 {
		t.Fatalf("reading flag left set after unmap: %#x", flags)
	}
}

func TestSchedPollTimeout(t *testing.T) {
	m := newMachine(t)

	guest, err := m.CreateGuest(1)
	if err != nil {
		t.Fatal(err)
	}

	start := guest.Now()

	if err := guest.Call(&hypercall.SchedPoll{Timeout: uint64(start + 20*time.Millisecond)}); err != nil {
		t.Fatal(err)
	}

	if elapsed := guest.Now() - start; elapsed < 20*time.Millisecond {
		t.Fatalf("poll returned after %v", elapsed)
	}
}

func TestShutdown(t *testing.T) {
	m := newMachine(t)

	guest, err := m.CreateGuest(1)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := guest.ShutdownReason(); ok {
		t.Fatal("fresh domain reports shutdown")
	}

	if err := guest.Call(&hypercall.SchedShutdown{Reason: hypercall.ShutdownReboot}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-guest.Done():
	case <-time.After(time.Second):
		t.Fatal("domain not marked dead")
	}

	if reason, ok := guest.ShutdownReason(); !ok || reason != hypercall.ShutdownReboot {
		t.Fatalf("shutdown reason = %v, %v", reason, ok)
	}
}

func TestStoreWait(t *testing.T) {
	m := newMachine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go m.Store().Write("/tool/ready", "yes")

	v, err := m.Store().Wait(ctx, "/tool/ready", func(_ string, ok bool) bool { return ok })
	if err != nil || v != "yes" {
		t.Fatalf("wait = %q, %v", v, err)
	}

	if _, ok := m.Store().Read("/tool"); !ok {
		t.Fatal("parent directory not created")
	}
}

func TestStoreSubtrees(t *testing.T) {
	s := newMachine(t).Store()

	s.Write("/a/b/c", "1")
	s.Write("/a/bb", "2")
	s.Write("/a-x", "3")

	s.mu.Lock()
	names := s.children(nil, "/a")
	s.mu.Unlock()

	if diff := cmp.Diff([]string{"b", "bb"}, names); diff != "" {
		t.Fatalf("unexpected children (-want +got):\n%s", diff)
	}

	if v, ok := s.Read("/a/b"); !ok || v != "" {
		t.Fatalf("parent not created: %q, %v", v, ok)
	}

	s.Remove("/a")

	for _, p := range []string{"/a", "/a/b", "/a/b/c", "/a/bb"} {
		if _, ok := s.Read(p); ok {
			t.Errorf("%s survived removal", p)
		}
	}

	if v, ok := s.Read("/a-x"); !ok || v != "3" {
		t.Errorf("sibling removed: %q, %v", v, ok)
	}
}
