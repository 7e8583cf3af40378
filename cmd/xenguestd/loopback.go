// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/siderolabs/talos-xenguest/internal/loopback"
	"github.com/siderolabs/talos-xenguest/pkg/guest"
	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
)

// machine is a guest booted on the in-process hypervisor.
type machine struct {
	m     *loopback.Machine
	dom   *loopback.Domain
	guest *guest.Guest
	vifs  []*loopback.Vif
}

func bootLoopback(vifs int) (*machine, error) {
	cfg, err := guestConfig()
	if err != nil {
		return nil, err
	}

	m, err := loopback.New(viper.GetInt(flagFrames), logger.With("module", "loopback"))
	if err != nil {
		return nil, err
	}

	dom, err := m.CreateGuest(hypercall.DomID(viper.GetUint(flagDomID)))
	if err != nil {
		return nil, multierror.Append(err, m.Close()).ErrorOrNil()
	}

	lm := &machine{m: m, dom: dom}

	for i := range vifs {
		lm.vifs = append(lm.vifs, m.AddVif(dom, i))
	}

	lm.guest, err = guest.Boot(dom, m.Arena(), cfg, logger)
	if err != nil {
		return nil, multierror.Append(err, m.Close()).ErrorOrNil()
	}

	return lm, nil
}

func (lm *machine) Close() error {
	var result *multierror.Error

	if err := lm.guest.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("error closing guest: %w", err))
	}

	if err := lm.m.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("error closing loopback: %w", err))
	}

	return result.ErrorOrNil()
}
