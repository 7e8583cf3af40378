// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package integration packages the integrations between the guest and the
// toolstack, driven through the store.
package integration

import (
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/sched"
	"github.com/siderolabs/talos-xenguest/pkg/xenstore"
)

// Integration is the interface every integration should implement.
type Integration interface {
	// Register spawns the threads of the integration.
	Register(s *sched.Scheduler)
}

// Host is the part of the guest integrations act on.
type Host interface {
	Store() *xenstore.Client
	Shutdown(reason hypercall.ShutdownReason) error
}
