// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"bufio"
	"bytes"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// HostFacts reads the facts of the machine the process runs on.
type HostFacts struct {
	logger    *slog.Logger
	osRelease string
}

// NewHostFacts returns facts backed by the running kernel. osRelease is the
// path of the os-release file, /etc/os-release when empty.
func NewHostFacts(logger *slog.Logger, osRelease string) *HostFacts {
	if osRelease == "" {
		osRelease = "/etc/os-release"
	}

	return &HostFacts{logger: logger, osRelease: osRelease}
}

// Hostname implements Facts.
func (h *HostFacts) Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		h.logger.Warn("error reading hostname", "err", err)
	}

	return name
}

// OSName implements Facts.
func (h *HostFacts) OSName() string {
	data, err := os.ReadFile(h.osRelease)
	if err != nil {
		h.logger.Debug("error reading os-release", "err", err)

		return ""
	}

	return parseOSRelease(data)
}

// parseOSRelease returns PRETTY_NAME, or NAME when there is none.
func parseOSRelease(data []byte) string {
	var name, pretty string

	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(s.Text()), "=")
		if !ok {
			continue
		}

		v = strings.Trim(v, `"'`)

		switch k {
		case "NAME":
			name = v
		case "PRETTY_NAME":
			pretty = v
		}
	}

	if pretty != "" {
		return pretty
	}

	return name
}

// KernelRelease implements Facts.
func (h *HostFacts) KernelRelease() string {
	var u unix.Utsname

	if err := unix.Uname(&u); err != nil {
		h.logger.Warn("error reading uname", "err", err)

		return ""
	}

	return unix.ByteSliceToString(u.Sysname[:]) + " " + unix.ByteSliceToString(u.Release[:])
}

// Uptime implements Facts.
func (h *HostFacts) Uptime() time.Duration {
	var si unix.Sysinfo_t

	if err := unix.Sysinfo(&si); err != nil {
		h.logger.Warn("error reading sysinfo", "err", err)

		return 0
	}

	return time.Duration(si.Uptime) * time.Second
}

// Interfaces implements Facts.
func (h *HostFacts) Interfaces() []NIC {
	ifaces, err := net.Interfaces()
	if err != nil {
		h.logger.Warn("error listing interfaces", "err", err)

		return nil
	}

	var nics []NIC

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}

		nic := NIC{Name: iface.Name, MAC: iface.HardwareAddr.String()}

		addrs, err := iface.Addrs()
		if err != nil {
			h.logger.Debug("error listing addresses", "iface", iface.Name, "err", err)
		}

		for _, a := range addrs {
			if p, err := netip.ParsePrefix(a.String()); err == nil {
				nic.Addrs = append(nic.Addrs, p)
			}
		}

		nics = append(nics, nic)
	}

	return nics
}
