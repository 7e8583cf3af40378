// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/siderolabs/talos-xenguest/internal/util"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

type traced struct {
	Hypervisor

	logger *slog.Logger
}

// Traced wraps hv so that every hypercall is logged at trace level together
// with the argument bytes handed to the hypervisor.
func Traced(hv Hypervisor, logger *slog.Logger) Hypervisor {
	return &traced{Hypervisor: hv, logger: logger}
}

func (t *traced) Call(op Op) error {
	args, err := op.MarshalBinary()
	if err != nil {
		return err
	}

	start := time.Now()
	err = t.Hypervisor.Call(op)

	util.TraceLog(t.logger, "hypercall",
		"hypercall", op.Hypercall().String(),
		"op", op.Name(),
		"cmd", op.Cmd(),
		"args", hex.EncodeToString(args),
		"took", time.Since(start),
		"err", err,
	)

	return err
}

func (t *traced) MapFrame(f shmem.Frame) (shmem.Page, error) {
	p, err := t.Hypervisor.MapFrame(f)
	util.TraceLog(t.logger, "map frame", "frame", f, "err", err)

	return p, err
}

// Interrupt forwards to the wrapped hypervisor when it supports interrupts.
func (t *traced) Interrupt() {
	if i, ok := t.Hypervisor.(interface{ Interrupt() }); ok {
		i.Interrupt()
	}
}
