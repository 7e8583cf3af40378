// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package xenstore

import "strconv"

// State is a xenbus device state.
type State int

// Device states.
const (
	StateUnknown State = iota
	StateInitialising
	StateInitWait
	StateInitialised
	StateConnected
	StateClosing
	StateClosed
	StateReconfiguring
	StateReconfigured
)

var stateNames = [...]string{
	"Unknown",
	"Initialising",
	"InitWait",
	"Initialised",
	"Connected",
	"Closing",
	"Closed",
	"Reconfiguring",
	"Reconfigured",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return "State(" + strconv.Itoa(int(s)) + ")"
}
