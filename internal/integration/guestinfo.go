// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/siderolabs/talos-xenguest/internal/util"
	"github.com/siderolabs/talos-xenguest/pkg/sched"
	"github.com/siderolabs/talos-xenguest/pkg/xenstore"
)

const unknown = `UNKNOWN`

const maxNICs = 16

// NIC is a network interface of the guest.
type NIC struct {
	Name  string
	MAC   string
	Addrs []netip.Prefix
}

// Facts supplies what the guest reports about itself.
type Facts interface {
	Hostname() string
	OSName() string
	KernelRelease() string
	Uptime() time.Duration
	Interfaces() []NIC
}

// GuestInfo represents the guestinfo integration: it publishes guest facts
// under data/ and interface addresses under attr/vif/ for the toolstack.
type GuestInfo struct {
	host     Host
	facts    Facts
	logger   *slog.Logger
	interval time.Duration
}

// NewGuestInfo initializes the guestinfo integration. Facts are republished
// every interval.
func NewGuestInfo(logger *slog.Logger, host Host, facts Facts, interval time.Duration) *GuestInfo {
	logger.Debug("initializing")

	if interval <= 0 {
		interval = time.Minute
	}

	return &GuestInfo{host: host, facts: facts, logger: logger, interval: interval}
}

// Register starts the publishing thread.
func (g *GuestInfo) Register(s *sched.Scheduler) {
	g.logger.Debug("registering")
	s.Spawn("guestinfo", g.run)
}

func (g *GuestInfo) run(t *sched.Thread) {
	store := g.host.Store()

	for {
		if err := g.publish(t, store); err != nil {
			if errors.Is(err, xenstore.ErrClosed) || errors.Is(err, xenstore.ErrConnectionBroken) {
				g.logger.Debug("guestinfo stopped", "err", err)

				return
			}

			g.logger.Error("error publishing guest info", "err", err)
		}

		t.Sleep(g.interval)
	}
}

// orUnknown is used for facts the host could not determine.
func orUnknown(s string) string {
	if s == "" {
		return unknown
	}

	return s
}

func (g *GuestInfo) publish(t *sched.Thread, store *xenstore.Client) error {
	values := map[string]string{
		"data/hostname": orUnknown(g.facts.Hostname()),
		"data/os_name":  orUnknown(g.facts.OSName()),
		"data/os_uname": orUnknown(g.facts.KernelRelease()),
		"data/uptime":   strconv.FormatInt(int64(g.facts.Uptime()/time.Second), 10),
		"attr/PVAddons": "1",
	}

	addrs, err := g.vifAddresses(t, store)
	if err != nil {
		return err
	}

	err = store.Transact(t, func(tx xenstore.Tx) error {
		if err := store.Rm(t, tx, "attr/vif"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		for k, v := range values {
			if err := store.Write(t, tx, k, v); err != nil {
				return err
			}
		}

		for k, v := range addrs {
			if err := store.Write(t, tx, k, v); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	util.TraceLog(g.logger, "published guest info", "keys", len(values), "addresses", len(addrs))

	// tells the toolstack to re-read data/
	return store.Write(t, xenstore.NoTx, "data/updated", "1")
}

// vifAddresses matches interfaces to the published network devices by MAC
// address and returns the attr/vif/<n>/ipv{4,6}/<i> keys.
func (g *GuestInfo) vifAddresses(t *sched.Thread, store *xenstore.Client) (map[string]string, error) {
	vifs, err := store.Directory(t, xenstore.NoTx, "device/vif")

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, err
	}

	nics := g.facts.Interfaces()
	if len(nics) > maxNICs {
		g.logger.Warn("maximum number of NICs reached", "max", maxNICs)

		nics = nics[:maxNICs]
	}

	byMAC := make(map[string]NIC, len(nics))
	for _, nic := range nics {
		byMAC[strings.ToLower(nic.MAC)] = nic
	}

	out := map[string]string{}

	for _, vif := range vifs {
		mac, err := store.Read(t, xenstore.NoTx, "device/vif/"+vif+"/mac")
		if err != nil {
			continue
		}

		nic, ok := byMAC[strings.ToLower(mac)]
		if !ok {
			continue
		}

		g.logger.Debug("matched vif", "vif", vif, "name", nic.Name, "mac", mac)

		var v4, v6 int

		for _, addr := range nic.Addrs {
			if addr.Addr().Is4() {
				out[fmt.Sprintf("attr/vif/%s/ipv4/%d", vif, v4)] = addr.Addr().String()
				v4++
			} else {
				out[fmt.Sprintf("attr/vif/%s/ipv6/%d", vif, v6)] = addr.Addr().String()
				v6++
			}
		}
	}

	return out, nil
}
