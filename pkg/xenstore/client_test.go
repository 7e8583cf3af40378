// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package xenstore_test

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/siderolabs/talos-xenguest/internal/loopback"
	"github.com/siderolabs/talos-xenguest/internal/util"
	"github.com/siderolabs/talos-xenguest/pkg/evtchn"
	"github.com/siderolabs/talos-xenguest/pkg/ring"
	"github.com/siderolabs/talos-xenguest/pkg/sched"
	"github.com/siderolabs/talos-xenguest/pkg/xenstore"
)

type env struct {
	m     *loopback.Machine
	guest *loopback.Domain
	s     *sched.Scheduler
	c     *xenstore.Client
}

// runGuest boots a guest with a store client and runs fn in a guest thread.
func runGuest(t *testing.T, fn func(th *sched.Thread, e *env)) {
	t.Helper()

	m, err := loopback.New(64, util.Discard())
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close() //nolint:errcheck

	guest, err := m.CreateGuest(1)
	if err != nil {
		t.Fatal(err)
	}

	mux, err := evtchn.New(guest, util.Discard())
	if err != nil {
		t.Fatal(err)
	}

	s := sched.New(guest, mux, util.Discard(), sched.Options{})

	conn, err := xenstore.NewConn(guest, mux, util.Discard())
	if err != nil {
		t.Fatal(err)
	}

	e := &env{m: m, guest: guest, s: s, c: xenstore.NewClient(s, conn, util.Discard())}

	s.Spawn("test", func(th *sched.Thread) {
		defer e.c.Close() //nolint:errcheck

		fn(th, e)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestReadWrite(t *testing.T) {
	runGuest(t, func(th *sched.Thread, e *env) {
		c := e.c

		if err := c.Write(th, xenstore.NoTx, "data/greeting", "hello"); err != nil {
			t.Fatalf("write: %v", err)
		}

		v, err := c.Read(th, xenstore.NoTx, "data/greeting")
		if err != nil || v != "hello" {
			t.Fatalf("read = %q, %v", v, err)
		}

		if v, ok := e.m.Store().Read(loopback.DomainPath(1) + "/data/greeting"); !ok || v != "hello" {
			t.Fatalf("store holds %q, %v", v, ok)
		}

		if err := c.Mkdir(th, xenstore.NoTx, "data/empty"); err != nil {
			t.Fatal(err)
		}

		names, err := c.Directory(th, xenstore.NoTx, "data")
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff([]string{"empty", "greeting"}, names); diff != "" {
			t.Fatalf("unexpected listing (-want +got):\n%s", diff)
		}

		if err := c.Rm(th, xenstore.NoTx, "data"); err != nil {
			t.Fatal(err)
		}

		_, err = c.Read(th, xenstore.NoTx, "data/greeting")
		if !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("expected not exist, got %v", err)
		}

		var xe *xenstore.Error
		if !errors.As(err, &xe) || xe.Errno != "ENOENT" || xe.Path != "data/greeting" {
			t.Fatalf("unexpected error %#v", err)
		}

		n, err := c.ReadInt(th, xenstore.NoTx, "domid")
		if err != nil || n != 1 {
			t.Fatalf("domid = %d, %v", n, err)
		}

		home, err := c.GetDomainPath(th, 1)
		if err != nil || home != "/local/domain/1" {
			t.Fatalf("domain path = %q, %v", home, err)
		}
	})
}

func TestLargeValueNeedsBackpressure(t *testing.T) {
	value := strings.Repeat("0123456789abcdef", 3*ring.ByteRingSize/16)

	runGuest(t, func(th *sched.Thread, e *env) {
		if err := e.c.Write(th, xenstore.NoTx, "big", value); err != nil {
			t.Fatal(err)
		}

		got, err := e.c.Read(th, xenstore.NoTx, "big")
		if err != nil {
			t.Fatal(err)
		}

		if got != value {
			t.Fatalf("read back %d bytes, want %d", len(got), len(value))
		}
	})
}

func TestTransactions(t *testing.T) {
	runGuest(t, func(th *sched.Thread, e *env) {
		c := e.c

		e.m.Store().FailCommits(2)

		attempts := 0

		err := c.Transact(th, func(tx xenstore.Tx) error {
			attempts++

			return c.Write(th, tx, "device/vif/0/tx-ring-ref", "8")
		})
		if err != nil {
			t.Fatal(err)
		}

		if attempts != 3 {
			t.Fatalf("transaction ran %d times, want 3", attempts)
		}

		v, err := c.Read(th, xenstore.NoTx, "device/vif/0/tx-ring-ref")
		if err != nil || v != "8" {
			t.Fatalf("read = %q, %v", v, err)
		}

		abort := errors.New("abort")

		err = c.Transact(th, func(tx xenstore.Tx) error {
			if err := c.Write(th, tx, "scratch", "x"); err != nil {
				return err
			}

			// visible inside the transaction only
			if v, err := c.Read(th, tx, "scratch"); err != nil || v != "x" {
				t.Errorf("read in transaction = %q, %v", v, err)
			}

			return abort
		})
		if !errors.Is(err, abort) {
			t.Fatalf("expected abort, got %v", err)
		}

		if _, err := c.Read(th, xenstore.NoTx, "scratch"); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("aborted write leaked: %v", err)
		}
	})
}

func TestWatch(t *testing.T) {
	runGuest(t, func(th *sched.Thread, e *env) {
		c := e.c

		w, err := c.Watch(th, "control/shutdown", "power")
		if err != nil {
			t.Fatal(err)
		}

		// initial event
		if p, err := c.WaitWatch(th, w); err != nil || p != "control/shutdown" {
			t.Fatalf("initial event = %q, %v", p, err)
		}

		go func() {
			time.Sleep(10 * time.Millisecond)
			e.m.Store().Write(loopback.DomainPath(1)+"/control/shutdown", "reboot")
		}()

		p, err := c.WaitWatch(th, w)
		if err != nil || p != "control/shutdown" {
			t.Fatalf("event = %q, %v", p, err)
		}

		if v, err := c.Read(th, xenstore.NoTx, p); err != nil || v != "reboot" {
			t.Fatalf("read = %q, %v", v, err)
		}

		if err := c.Unwatch(th, w); err != nil {
			t.Fatal(err)
		}

		deadline := th.Scheduler().Now() + 10*time.Millisecond
		if _, err := c.WaitWatchDeadline(th, w, deadline); err == nil {
			t.Fatal("removed watch still delivers")
		}
	})
}

func TestWaitForState(t *testing.T) {
	runGuest(t, func(th *sched.Thread, e *env) {
		c := e.c

		if err := c.SwitchState(th, "device/vif/0", xenstore.StateInitialising); err != nil {
			t.Fatal(err)
		}

		go func() {
			time.Sleep(10 * time.Millisecond)
			e.m.Store().Write("/backend/test/state", "4")
		}()

		if err := c.WaitForState(th, "/backend/test", xenstore.StateConnected, 0); err != nil {
			t.Fatal(err)
		}

		deadline := th.Scheduler().Now() + 20*time.Millisecond

		err := c.WaitForState(th, "/backend/test", xenstore.StateClosed, deadline)
		if !errors.Is(err, sched.ErrTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
	})
}

func TestBrokenRing(t *testing.T) {
	runGuest(t, func(th *sched.Thread, e *env) {
		page, err := e.guest.MapFrame(e.guest.StartInfo().StoreMFN)
		if err != nil {
			t.Fatal(err)
		}

		// rsp_prod far ahead of rsp_cons
		page.StoreUint32(2*ring.ByteRingSize+12, 5000)

		_, err = e.c.Read(th, xenstore.NoTx, "domid")
		if !errors.Is(err, xenstore.ErrConnectionBroken) || !errors.Is(err, ring.ErrProtocolViolation) {
			t.Fatalf("expected broken connection, got %v", err)
		}

		if _, err := e.c.Read(th, xenstore.NoTx, "domid"); !errors.Is(err, xenstore.ErrConnectionBroken) {
			t.Fatalf("connection recovered: %v", err)
		}
	})
}
