// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/siderolabs/talos-xenguest/internal/util"
)

func TestParseStoreCmd(t *testing.T) {
	for _, line := range []string{"read", "write foo", "frob foo", ""} {
		if _, err := parseStoreCmd(line); !errors.Is(err, errBadStoreCmd) {
			t.Errorf("%q: expected error, got %v", line, err)
		}
	}

	for _, line := range []string{"read domid", "write data/x 1 2 3", "ls /local", "mkdir a", "rm a"} {
		if _, err := parseStoreCmd(line); err != nil {
			t.Errorf("%q: %v", line, err)
		}
	}
}

func TestExecuteStore(t *testing.T) {
	logger = util.Discard()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer

	if err := executeStore(ctx, &out, "read domid"); err != nil {
		t.Fatal(err)
	}

	if got := out.String(); got != "1\n" {
		t.Errorf("read domid printed %q", got)
	}

	out.Reset()

	if err := executeStore(ctx, &out, "ls /local/domain/1"); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out.String(), `domid = "1"`) {
		t.Errorf("listing lacks domid:\n%s", out.String())
	}

	if err := executeStore(ctx, &out, "read missing/key"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("read of missing key: %v", err)
	}
}

func TestGuestConfigDefaults(t *testing.T) {
	cfg, err := guestConfig()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.GrantFrames != 4 || cfg.MaxIdle != 10*time.Second || cfg.RxBuffers != 64 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
