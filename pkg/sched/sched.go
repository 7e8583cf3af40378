// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package sched is a cooperative scheduler for code running inside a guest.
//
// Every Thread is backed by a goroutine, but only one of them runs guest code
// at any time: the scheduler hands a baton to the thread it picks and waits
// for it to come back through Yield, a wait, or thread exit. Guest state can
// therefore be shared between threads, event handlers and wait conditions
// without locks, as long as it is only touched from guest context.
//
// The scheduler loop polls the event channel multiplexer, re-evaluates the
// condition of every blocked thread, and runs runnable threads round robin.
// When nothing is runnable it blocks the domain in SCHEDOP_poll until an
// event arrives or the earliest thread deadline passes.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/siderolabs/talos-xenguest/internal/util"
	"github.com/siderolabs/talos-xenguest/pkg/evtchn"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
)

// ErrTimeout is returned by operations whose deadline passed.
var ErrTimeout = errors.New("timed out")

// DefaultMaxIdle caps a single idle block.
const DefaultMaxIdle = 10 * time.Second

// Options configure a Scheduler.
type Options struct {
	// MaxIdle caps how long the domain blocks when no thread has a deadline.
	MaxIdle time.Duration
}

// Interrupter is implemented by hypervisors able to cut an idle block short.
type Interrupter interface {
	Interrupt()
}

// Scheduler runs threads cooperatively.
type Scheduler struct {
	hv     hypercall.Hypervisor
	mux    *evtchn.Mux
	logger *slog.Logger
	opts   Options

	threads []*Thread
	next    int
	nextID  int
	current *Thread
	yield   chan struct{}
	kicked  bool

	interrupted atomic.Bool
	switches    uint64
	idles       uint64
}

// New creates a scheduler and registers it as the kicker of mux.
func New(hv hypercall.Hypervisor, mux *evtchn.Mux, logger *slog.Logger, opts Options) *Scheduler {
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultMaxIdle
	}

	s := &Scheduler{
		hv:     hv,
		mux:    mux,
		logger: logger.With("module", "sched"),
		opts:   opts,
		yield:  make(chan struct{}),
	}

	mux.SetKicker(s)

	return s
}

// Now returns hypervisor system time.
func (s *Scheduler) Now() time.Duration {
	return s.hv.Now()
}

// Kick requests another pass before the scheduler goes idle.
func (s *Scheduler) Kick() {
	s.kicked = true
}

// Interrupt wakes an idle scheduler so conditions that depend on state
// changed outside guest context are re-evaluated. It is safe to call from
// any goroutine.
func (s *Scheduler) Interrupt() {
	s.interrupted.Store(true)

	if i, ok := s.hv.(Interrupter); ok {
		i.Interrupt()
	}
}

// Current returns the running thread, or nil in scheduler context.
func (s *Scheduler) Current() *Thread {
	return s.current
}

// Stats describes the scheduler.
type Stats struct {
	Threads  int
	Runnable int
	Blocked  int
	Switches uint64
	Idles    uint64
}

// Stats returns counters for diagnostics.
func (s *Scheduler) Stats() Stats {
	st := Stats{Threads: len(s.threads), Switches: s.switches, Idles: s.idles}

	for _, t := range s.threads {
		switch t.state {
		case Runnable:
			st.Runnable++
		case Blocked:
			st.Blocked++
		case Exited:
		}
	}

	return st
}

// Spawn creates a runnable thread executing fn. It may be called before Run
// or from guest context.
func (s *Scheduler) Spawn(name string, fn func(t *Thread)) *Thread {
	s.nextID++

	t := &Thread{
		s:    s,
		id:   s.nextID,
		name: name,
		run:  make(chan struct{}),
	}

	s.threads = append(s.threads, t)

	go t.start(fn)

	util.TraceLog(s.logger, "thread spawned", "thread", name, "id", t.id)

	return t
}

// Wake makes a blocked thread runnable.
func (s *Scheduler) Wake(t *Thread) {
	if t.state == Blocked {
		t.state = Runnable
	}
}

// Run schedules threads until all of them exited or ctx is done. Threads
// still alive when ctx is done are terminated.
func (s *Scheduler) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Interrupt)
	defer stop()

	for {
		if ctx.Err() != nil {
			s.terminate()

			return ctx.Err()
		}

		s.mux.Poll()
		s.interrupted.Store(false)
		s.reevaluate()
		s.reap()

		if len(s.threads) == 0 {
			s.logger.Debug("all threads exited")

			return nil
		}

		t := s.pick()
		if t == nil {
			s.idle(ctx)

			continue
		}

		s.switchTo(t)
	}
}

func (s *Scheduler) reevaluate() {
	now := s.Now()

	for _, t := range s.threads {
		if t.state != Blocked {
			continue
		}

		switch {
		case t.cond != nil && t.cond():
			t.state = Runnable
		case t.deadline != 0 && now >= t.deadline:
			t.state = Runnable
		}
	}
}

func (s *Scheduler) reap() {
	alive := s.threads[:0]

	for i, t := range s.threads {
		if t.state == Exited {
			util.TraceLog(s.logger, "thread reaped", "thread", t.name, "id", t.id)

			if i < s.next {
				s.next--
			}

			continue
		}

		alive = append(alive, t)
	}

	clear(s.threads[len(alive):])
	s.threads = alive
}

func (s *Scheduler) pick() *Thread {
	n := len(s.threads)

	for i := range n {
		idx := (s.next + i) % n

		if t := s.threads[idx]; t.state == Runnable {
			s.next = idx + 1

			return t
		}
	}

	return nil
}

func (s *Scheduler) switchTo(t *Thread) {
	s.current = t
	s.switches++

	t.run <- struct{}{}
	<-s.yield

	s.current = nil
}

func (s *Scheduler) idle(ctx context.Context) {
	if s.kicked {
		s.kicked = false

		return
	}

	if s.mux.UpcallPending() || s.interrupted.Load() || ctx.Err() != nil {
		return
	}

	now := s.Now()
	until := now + s.opts.MaxIdle

	for _, t := range s.threads {
		if t.state == Blocked && t.deadline != 0 && t.deadline < until {
			until = t.deadline
		}
	}

	if until <= now {
		return
	}

	ports := s.mux.Bound()
	raw := make([]uint32, len(ports))

	for i, p := range ports {
		raw[i] = uint32(p)
	}

	s.idles++

	util.TraceLog(s.logger, "blocking domain", "ports", len(raw), "for", until-now)

	if err := s.hv.Call(&hypercall.SchedPoll{Ports: raw, Timeout: uint64(until)}); err != nil {
		s.logger.Warn("sched_poll failed, yielding instead", "err", err)
		runtime.Gosched()
	}
}

// terminate ends every thread still alive. Each thread unwinds its stack
// where it is parked.
func (s *Scheduler) terminate() {
	for _, t := range s.threads {
		if t.state == Exited {
			continue
		}

		s.logger.Debug("terminating thread", "thread", t.name, "id", t.id)

		t.killed = true
		s.switchTo(t)
	}

	s.threads = nil
}
