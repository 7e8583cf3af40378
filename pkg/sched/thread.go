// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package sched

import (
	"runtime"
	"slices"
	"time"
)

// State is the run state of a thread.
type State int

// Thread states.
const (
	Runnable State = iota
	Blocked
	Exited
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	case Exited:
		return "exited"
	}

	return "unknown"
}

// Thread is a cooperatively scheduled thread of guest code.
type Thread struct {
	s    *Scheduler
	id   int
	name string

	state    State
	queue    *WaitQueue
	cond     func() bool
	deadline time.Duration

	run    chan struct{}
	killed bool
}

// Name returns the name given at Spawn.
func (t *Thread) Name() string {
	return t.name
}

// State returns the run state.
func (t *Thread) State() State {
	return t.state
}

// Scheduler returns the scheduler running t.
func (t *Thread) Scheduler() *Scheduler {
	return t.s
}

func (t *Thread) start(fn func(*Thread)) {
	defer func() {
		t.state = Exited
		t.cond = nil

		if t.queue != nil {
			t.queue.remove(t)
		}

		t.s.yield <- struct{}{}
	}()

	<-t.run

	if t.killed {
		return
	}

	fn(t)
}

// park hands the baton back to the scheduler and waits to be picked again.
func (t *Thread) park() {
	t.s.yield <- struct{}{}
	<-t.run

	if t.killed {
		runtime.Goexit()
	}
}

// Yield lets other runnable threads run.
func (t *Thread) Yield() {
	t.park()
}

func (t *Thread) block(q *WaitQueue, cond func() bool, deadline time.Duration) {
	t.state = Blocked
	t.cond = cond
	t.deadline = deadline

	if q != nil {
		q.add(t)
	}

	t.park()

	if q != nil {
		q.remove(t)
	}

	t.cond = nil
	t.deadline = 0
}

// WaitEvent blocks until cond holds. cond is evaluated by the scheduler on
// every pass and must not block. Wakeups through q re-check cond, so
// spurious wakeups are harmless.
func (t *Thread) WaitEvent(q *WaitQueue, cond func() bool) {
	for !cond() {
		t.block(q, cond, 0)
	}
}

// WaitEventDeadline is WaitEvent bounded by the absolute system time
// deadline. It reports whether cond held.
func (t *Thread) WaitEventDeadline(q *WaitQueue, cond func() bool, deadline time.Duration) bool {
	for !cond() {
		if t.s.Now() >= deadline {
			return false
		}

		t.block(q, cond, deadline)
	}

	return true
}

// Sleep blocks for d.
func (t *Thread) Sleep(d time.Duration) {
	deadline := t.s.Now() + d

	for t.s.Now() < deadline {
		t.block(nil, nil, deadline)
	}
}

// WaitQueue is a list of threads blocked on the same condition.
type WaitQueue struct {
	threads []*Thread
}

// NewWaitQueue returns an empty queue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{}
}

func (q *WaitQueue) add(t *Thread) {
	if t.queue == q {
		return
	}

	if t.queue != nil {
		t.queue.remove(t)
	}

	t.queue = q
	q.threads = append(q.threads, t)
}

func (q *WaitQueue) remove(t *Thread) {
	if t.queue != q {
		return
	}

	t.queue = nil

	if i := slices.Index(q.threads, t); i >= 0 {
		q.threads = slices.Delete(q.threads, i, i+1)
	}
}

// Len returns the number of waiting threads.
func (q *WaitQueue) Len() int {
	return len(q.threads)
}

// WakeUp makes every thread on q runnable.
func (q *WaitQueue) WakeUp() {
	for _, t := range q.threads {
		t.s.Wake(t)
	}
}
