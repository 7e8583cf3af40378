// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package version carries the project name, tag and sha, embedded from data/
// instead of being injected with -ldflags '-X ...'.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

var (
	// Tag declares project git tag.
	//go:embed data/tag
	Tag string
	// SHA declares project git SHA.
	//go:embed data/sha
	SHA string
	// Name declares project name.
	Name = func() string {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return "xenguest"
		}

		if tail, ok := strings.CutPrefix(info.Path, "github.com/siderolabs/"); ok {
			if before, _, found := strings.Cut(tail, "/"); found {
				return before
			}
		}

		return "community-project"
	}()
)

// String returns the tag and sha in one line.
func String() string {
	return strings.TrimSpace(Tag) + " (" + strings.TrimSpace(SHA) + ")"
}
