// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"bytes"
	"context"
	"fmt"

	"github.com/siderolabs/talos-xenguest/pkg/ring"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

// attachConsole binds the console port of guest and logs every line it
// writes, the way a console daemon does.
func (m *Machine) attachConsole(guest *Domain, page shmem.Page, guestPort uint32) error {
	port, err := m.Control().BindInterdomain(guest.id, guestPort)
	if err != nil {
		return fmt.Errorf("error binding console port of domain %d: %w", guest.id, err)
	}

	r := ring.NewBackConsoleRing(page)
	logger := m.logger.With("module", "consoled", "domid", guest.id)

	m.spawn(func(ctx context.Context) {
		var line []byte

		buf := make([]byte, ring.ConsoleOutSize)

		for {
			if err := m.Control().WaitPort(ctx, port); err != nil {
				return
			}

			n, err := r.Read(buf)
			if err != nil {
				logger.Error("console ring broken", "err", err)

				return
			}

			guest.consoleMu.Lock()
			guest.console.Write(buf[:n])
			guest.consoleMu.Unlock()

			line = append(line, buf[:n]...)

			for {
				i := bytes.IndexByte(line, '\n')
				if i < 0 {
					break
				}

				logger.Info("console", "line", string(line[:i]))
				line = line[i+1:]
			}
		}
	})

	return nil
}

// ConsoleOutput returns everything the domain wrote to its console.
func (d *Domain) ConsoleOutput() string {
	d.consoleMu.Lock()
	defer d.consoleMu.Unlock()

	return d.console.String()
}
