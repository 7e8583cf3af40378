// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package gnttab

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/siderolabs/talos-xenguest/internal/loopback"
	"github.com/siderolabs/talos-xenguest/internal/util"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

func newTable(t *testing.T, opts Options) (*Table, *loopback.Machine) {
	t.Helper()

	m, err := loopback.New(128, util.Discard())
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() }) //nolint:errcheck

	guest, err := m.CreateGuest(1)
	if err != nil {
		t.Fatal(err)
	}

	table, err := New(guest, opts, util.Discard())
	if err != nil {
		t.Fatal(err)
	}

	return table, m
}

func allocPage(t *testing.T, m *loopback.Machine) shmem.Page {
	t.Helper()

	p, err := m.Arena().AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	return p
}

func TestSetupFailure(t *testing.T) {
	m, err := loopback.New(16, util.Discard())
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close() //nolint:errcheck

	guest, err := m.CreateGuest(1)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := New(guest, Options{Frames: 1000}, util.Discard()); !errors.Is(err, ErrSetupFailed) {
		t.Fatalf("expected setup failure, got %v", err)
	}
}

func TestRevokeWhileMapped(t *testing.T) {
	table, m := newTable(t, Options{})

	remote, err := m.CreateGuest(7)
	if err != nil {
		t.Fatal(err)
	}

	page := allocPage(t, m)

	ref, err := table.Grant(7, page.Frame(), true)
	if err != nil {
		t.Fatal(err)
	}

	if ref < NumReserved {
		t.Fatalf("reserved reference %d handed out", ref)
	}

	mapping, err := remote.MapGrant(1, uint32(ref), true)
	if err != nil {
		t.Fatal(err)
	}

	if table.EndAccess(ref) {
		t.Fatal("end access succeeded while mapped")
	}

	mapping.Unmap()

	if !table.EndAccess(ref) {
		t.Fatal("end access failed after unmap")
	}

	if err := table.FreeRef(ref); err != nil {
		t.Fatal(err)
	}

	again, err := table.AllocRef()
	if err != nil || again != ref {
		t.Fatalf("reference not reusable: got %d, %v", again, err)
	}

	// the ended entry no longer admits the remote domain
	if _, err := remote.MapGrant(1, uint32(ref), true); !errors.Is(err, hypercall.GrantPermissionDenied) {
		t.Fatalf("map after end access should fail, got %v", err)
	}
}

func TestLiveEntryIsNotReused(t *testing.T) {
	table, m := newTable(t, Options{})

	remote, err := m.CreateGuest(7)
	if err != nil {
		t.Fatal(err)
	}

	page, other := allocPage(t, m), allocPage(t, m)

	ref, err := table.Grant(7, page.Frame(), true)
	if err != nil {
		t.Fatal(err)
	}

	// granted but not mapped: still live until ended
	if err := table.FreeRef(ref); !errors.Is(err, ErrReferenceInUse) {
		t.Fatalf("free of a live grant: %v", err)
	}

	mapping, err := remote.MapGrant(1, uint32(ref), true)
	if err != nil {
		t.Fatal(err)
	}

	if err := table.GrantAccess(ref, 9, other.Frame(), true); !errors.Is(err, ErrReferenceInUse) {
		t.Fatalf("grant over a mapped entry: %v", err)
	}

	if err := table.FreeRef(ref); !errors.Is(err, ErrReferenceInUse) {
		t.Fatalf("free of a mapped grant: %v", err)
	}

	// the mapping survived and still blocks revocation
	if table.EndAccess(ref) {
		t.Fatal("end access succeeded while mapped")
	}

	if mapping.Page.Frame() != page.Frame() {
		t.Fatalf("mapping moved to frame %#x", mapping.Page.Frame())
	}

	mapping.Unmap()

	if !table.EndAccess(ref) {
		t.Fatal("end access failed after unmap")
	}

	if err := table.GrantAccess(ref, 9, other.Frame(), true); err != nil {
		t.Fatalf("grant over an ended entry: %v", err)
	}

	if !table.EndAccess(ref) {
		t.Fatal("end access of the new grant failed")
	}

	if err := table.FreeRef(ref); err != nil {
		t.Fatal(err)
	}
}

func TestReadonlyGrantRefusesWritableMap(t *testing.T) {
	table, m := newTable(t, Options{})

	page := allocPage(t, m)

	ref, err := table.Grant(0, page.Frame(), true)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Control().MapGrant(1, uint32(ref), false); !errors.Is(err, hypercall.GrantPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestExhaustion(t *testing.T) {
	table, _ := newTable(t, Options{Frames: 1})

	st := table.Stats()

	want := Stats{Total: 512, Reserved: NumReserved, Free: 512 - NumReserved, Bytes: shmem.PageSize}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}

	seen := map[Ref]bool{}

	for range st.Free {
		ref, err := table.AllocRef()
		if err != nil {
			t.Fatal(err)
		}

		if seen[ref] || ref < NumReserved {
			t.Fatalf("bad reference %d", ref)
		}

		seen[ref] = true
	}

	if _, err := table.AllocRef(); !errors.Is(err, ErrOutOfReferences) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	if err := table.FreeRef(20); err != nil {
		t.Fatal(err)
	}

	if ref, err := table.AllocRef(); err != nil || ref != 20 {
		t.Fatalf("alloc after free = %d, %v", ref, err)
	}
}

func TestInvalidFrees(t *testing.T) {
	table, _ := newTable(t, Options{Frames: 1})

	if err := table.FreeRef(RefXenstore); !errors.Is(err, ErrReservedReference) {
		t.Fatalf("expected reserved reference error, got %v", err)
	}

	if err := table.FreeRef(100); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("freeing an unallocated reference should fail, got %v", err)
	}

	if err := table.FreeRef(5000); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("freeing outside the table should fail, got %v", err)
	}

	if err := table.GrantAccess(5000, 0, 1, false); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("granting outside the table should fail, got %v", err)
	}
}

// An observer reading the entry concurrently must never see a permitted
// entry whose frame predates the grant.
func TestGrantPublicationOrder(t *testing.T) {
	table, _ := newTable(t, Options{Frames: 1})

	const (
		ref        = Ref(NumReserved)
		iterations = 20000
	)

	p, off, err := table.entry(ref)
	if err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})

	var (
		wg  sync.WaitGroup
		bad string
	)

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			select {
			case <-stop:
				return
			default:
			}

			dom, flags := hypercall.SplitGrantWord(p.LoadUint32(off + hypercall.GrantEntryFlagsWord))
			if flags&hypercall.GTFPermitAccess == 0 {
				continue
			}

			frame := p.LoadUint32(off + hypercall.GrantEntryFrame)
			if frame < uint32(dom) {
				bad = fmt.Sprintf("entry for iteration %d published with frame %d", dom, frame)

				return
			}
		}
	}()

	for i := 1; i < iterations; i++ {
		// domid and frame both encode the iteration
		if err := table.GrantAccess(ref, hypercall.DomID(i), shmem.Frame(i), false); err != nil {
			t.Fatal(err)
		}

		if !table.EndAccess(ref) {
			t.Fatal("end access failed")
		}
	}

	close(stop)
	wg.Wait()

	if bad != "" {
		t.Fatal(bad)
	}
}

type recordingSleeper struct {
	sleeps  []time.Duration
	release int
	unmap   func()
}

func (s *recordingSleeper) Sleep(d time.Duration) {
	s.sleeps = append(s.sleeps, d)

	if len(s.sleeps) == s.release && s.unmap != nil {
		s.unmap()
	}
}

func TestReleaseRetries(t *testing.T) {
	table, m := newTable(t, Options{RevokeInitial: time.Millisecond, RevokeMax: 4 * time.Millisecond, RevokeRetries: 8})

	page := allocPage(t, m)

	ref, err := table.Grant(0, page.Frame(), false)
	if err != nil {
		t.Fatal(err)
	}

	mapping, err := m.Control().MapGrant(1, uint32(ref), false)
	if err != nil {
		t.Fatal(err)
	}

	s := &recordingSleeper{release: 5, unmap: mapping.Unmap}

	if err := table.Release(s, ref); err != nil {
		t.Fatalf("release: %v", err)
	}

	if len(s.sleeps) != 5 {
		t.Fatalf("slept %d times, want 5", len(s.sleeps))
	}

	for i, d := range s.sleeps {
		if d > 4*time.Millisecond || (i > 0 && d < s.sleeps[i-1]) {
			t.Fatalf("unexpected schedule %v", s.sleeps)
		}
	}

	if st := table.Stats(); st.InUse != 0 {
		t.Fatalf("reference not freed: %+v", st)
	}
}

func TestReleaseGivesUp(t *testing.T) {
	table, m := newTable(t, Options{RevokeInitial: time.Millisecond, RevokeMax: 2 * time.Millisecond, RevokeRetries: 3})

	page := allocPage(t, m)

	ref, err := table.Grant(0, page.Frame(), false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Control().MapGrant(1, uint32(ref), false); err != nil {
		t.Fatal(err)
	}

	s := &recordingSleeper{}

	if err := table.Release(s, ref); !errors.Is(err, ErrStillMapped) {
		t.Fatalf("expected still mapped, got %v", err)
	}

	if len(s.sleeps) != 3 {
		t.Fatalf("slept %d times, want 3", len(s.sleeps))
	}
}
