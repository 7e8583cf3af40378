// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package guest_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/siderolabs/talos-xenguest/internal/loopback"
	"github.com/siderolabs/talos-xenguest/internal/util"
	"github.com/siderolabs/talos-xenguest/pkg/gnttab"
	"github.com/siderolabs/talos-xenguest/pkg/guest"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/sched"
	"github.com/siderolabs/talos-xenguest/pkg/xenstore"
)

func newMachine(t *testing.T) (*loopback.Machine, *loopback.Domain) {
	t.Helper()

	m, err := loopback.New(128, util.Discard())
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() }) //nolint:errcheck

	dom, err := m.CreateGuest(3)
	if err != nil {
		t.Fatal(err)
	}

	return m, dom
}

func run(t *testing.T, g *guest.Guest) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := g.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestBootFailure(t *testing.T) {
	m, dom := newMachine(t)

	cfg := guest.DefaultConfig()
	cfg.GrantFrames = 1000

	_, err := guest.Boot(dom, m.Arena(), cfg, util.Discard())
	if !errors.Is(err, guest.ErrBootFailed) || !errors.Is(err, gnttab.ErrSetupFailed) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestBootSharesReservedPages(t *testing.T) {
	m, dom := newMachine(t)

	g, err := guest.Boot(dom, m.Arena(), guest.DefaultConfig(), util.Discard())
	if err != nil {
		t.Fatal(err)
	}

	for ref, frame := range map[gnttab.Ref]uint64{
		gnttab.RefConsole:  uint64(dom.StartInfo().ConsoleMFN),
		gnttab.RefXenstore: uint64(dom.StartInfo().StoreMFN),
	} {
		mp, err := m.Control().MapGrant(dom.ID(), uint32(ref), false)
		if err != nil {
			t.Fatalf("map ref %d: %v", ref, err)
		}

		if uint64(mp.Page.Frame()) != frame {
			t.Errorf("ref %d maps frame %#x, want %#x", ref, mp.Page.Frame(), frame)
		}

		mp.Unmap()
	}

	var domid int

	g.Scheduler().Spawn("probe", func(th *sched.Thread) {
		domid, err = g.Store().ReadInt(th, xenstore.NoTx, "domid")

		// the store reader keeps the scheduler busy until the guest stops
		if err := g.Shutdown(hypercall.ShutdownPoweroff); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	run(t, g)

	if err != nil || domid != 3 {
		t.Fatalf("domid = %d, %v", domid, err)
	}

	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if bound := g.Events().Bound(); len(bound) != 0 {
		t.Errorf("ports left bound: %v", bound)
	}
}

func TestConsoleReachesControlDomain(t *testing.T) {
	m, dom := newMachine(t)

	g, err := guest.Boot(dom, m.Arena(), guest.DefaultConfig(), util.Discard())
	if err != nil {
		t.Fatal(err)
	}

	defer g.Close() //nolint:errcheck

	if _, err := fmt.Fprintf(g.Console(), "booted domain %d\n", g.DomID()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)

	for dom.ConsoleOutput() != "booted domain 3\n" {
		if time.Now().After(deadline) {
			t.Fatalf("console holds %q", dom.ConsoleOutput())
		}

		time.Sleep(time.Millisecond)
	}
}

func TestNetworkAndShutdown(t *testing.T) {
	m, dom := newMachine(t)
	vif := m.AddVif(dom, 0)

	cfg := guest.DefaultConfig()
	cfg.RxBuffers = 4

	g, err := guest.Boot(dom, m.Arena(), cfg, util.Discard())
	if err != nil {
		t.Fatal(err)
	}

	frame := bytes.Repeat([]byte{0x5a}, 128)

	g.Scheduler().Spawn("net", func(th *sched.Thread) {
		dev, err := g.AttachNetwork(th, 0, nil)
		if err != nil {
			t.Errorf("attach: %v", err)

			return
		}

		if err := dev.Transmit(th, frame); err != nil {
			t.Errorf("transmit: %v", err)
		}

		if err := dev.Close(th); err != nil {
			t.Errorf("close: %v", err)
		}

		if err := g.Shutdown(hypercall.ShutdownReboot); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	// a thread that would otherwise keep the scheduler running
	g.Scheduler().Spawn("idler", func(th *sched.Thread) {
		th.WaitEvent(sched.NewWaitQueue(), func() bool { return false })
	})

	run(t, g)

	if reason, ok := dom.ShutdownReason(); !ok || reason != hypercall.ShutdownReboot {
		t.Errorf("shutdown reason = %v, %v", reason, ok)
	}

	select {
	case got := <-vif.Transmitted():
		if !bytes.Equal(got, frame) {
			t.Errorf("transmitted %d bytes", len(got))
		}
	default:
		t.Error("frame not transmitted")
	}

	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if st := g.Grants().Stats(); st.InUse != 0 {
		t.Errorf("grants leaked: %+v", st)
	}
}
