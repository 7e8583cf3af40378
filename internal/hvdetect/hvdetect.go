// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package hvdetect finds out whether the process runs inside a Xen domain and
// whether it may talk to the hypervisor.
package hvdetect

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/capability"
)

// Info describes the hypervisor as seen through sysfs and procfs.
type Info struct {
	// Hypervisor is the content of /sys/hypervisor/type, empty on bare metal.
	Hypervisor string
	// Version is major.minor plus extra, when the hypervisor exposes it.
	Version string
	// Control is set in the control domain.
	Control bool
}

// Xen reports whether the hypervisor is Xen.
func (i Info) Xen() bool {
	return i.Hypervisor == "xen"
}

// Detect inspects the system below root, "/" on a live system.
func Detect(root string) (Info, error) {
	var info Info

	typ, err := readTrimmed(filepath.Join(root, "sys/hypervisor/type"))

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return info, nil
	case err != nil:
		return info, fmt.Errorf("error reading hypervisor type: %w", err)
	}

	info.Hypervisor = typ

	if !info.Xen() {
		return info, nil
	}

	major, errMajor := readTrimmed(filepath.Join(root, "sys/hypervisor/version/major"))
	minor, errMinor := readTrimmed(filepath.Join(root, "sys/hypervisor/version/minor"))

	if errMajor == nil && errMinor == nil {
		extra, _ := readTrimmed(filepath.Join(root, "sys/hypervisor/version/extra")) //nolint:errcheck
		info.Version = major + "." + minor + extra
	}

	caps, err := readTrimmed(filepath.Join(root, "proc/xen/capabilities"))
	if err == nil {
		info.Control = strings.Contains(caps, "control_d")
	}

	return info, nil
}

func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(b)), nil
}

// HasCapability reports whether the process holds c in its effective set.
// Mapping foreign frames through /dev/xen/privcmd needs CAP_SYS_ADMIN.
func HasCapability(c capability.Cap) (bool, error) {
	caps, err := capability.NewPid2(os.Getpid())
	if err != nil {
		return false, fmt.Errorf("error reading capabilities: %w", err)
	}

	if err := caps.Load(); err != nil {
		return false, fmt.Errorf("error loading capabilities: %w", err)
	}

	return caps.Get(capability.EFFECTIVE, c), nil
}
