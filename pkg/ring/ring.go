// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package ring implements the shared ring protocol used between two domains.
//
// Both sides share only the memory of the ring. Producer and consumer indices
// are free-running 32-bit counters; a slot is addressed by masking an index
// with capacity-1, so capacities are powers of two. Only the producer
// advances a producer index and only the consumer advances the matching
// consumer index. Indices are published and observed with atomic stores and
// loads, which order the slot contents written before a publish against the
// reads made after observing it.
//
// Nothing in this package blocks. "No space" and "no data" are ordinary
// results; indices that cannot be right (a consumer ahead of its producer,
// or more outstanding entries than the ring holds) are reported as a
// *ViolationError and the owner must tear the connection down.
package ring

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is the sentinel matched by every *ViolationError.
var ErrProtocolViolation = errors.New("ring protocol violation")

// ViolationError describes indices read from shared memory that break the
// ring invariants.
type ViolationError struct {
	Ring     string
	Prod     uint32
	Cons     uint32
	Capacity uint32
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %s: prod %d cons %d capacity %d", ErrProtocolViolation, e.Ring, e.Prod, e.Cons, e.Capacity)
}

// Is makes errors.Is(err, ErrProtocolViolation) hold.
func (e *ViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// Used returns the number of entries between cons and prod.
func Used(prod, cons uint32) uint32 {
	return prod - cons
}

// Free returns the space left in a ring of the given capacity.
func Free(capacity, prod, cons uint32) uint32 {
	return capacity - (prod - cons)
}

// Check verifies that prod and cons are at most capacity apart.
func Check(name string, prod, cons, capacity uint32) error {
	if prod-cons > capacity {
		return &ViolationError{Ring: name, Prod: prod, Cons: cons, Capacity: capacity}
	}

	return nil
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
