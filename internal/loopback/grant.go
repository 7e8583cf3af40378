// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"fmt"
	"sync"

	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
)

type pinKey struct {
	ref uint32
	bit uint16
}

// Mapping is a foreign page mapped through a grant reference.
type Mapping struct {
	Page shmem.Page

	granter *Domain
	key     pinKey
	once    sync.Once
}

// MapGrant maps the page granted by granter under ref into d, the way
// GNTTABOP_map_grant_ref does: the entry must permit access to d, and a
// writable mapping needs a writable grant. While mapped, the entry carries
// GTF_reading or GTF_writing so the granter cannot end access.
func (d *Domain) MapGrant(granter hypercall.DomID, ref uint32, readonly bool) (*Mapping, error) {
	m := d.m

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.domains[granter]
	if !ok {
		return nil, &hypercall.OpError{Op: "gnttab_map_grant_ref", Err: hypercall.GrantBadDomain}
	}

	idx, off := hypercall.GrantEntryLocation(ref)
	if idx >= len(g.grantFrames) {
		return nil, &hypercall.OpError{Op: "gnttab_map_grant_ref", Err: hypercall.GrantBadRef}
	}

	table := g.grantFrames[idx]

	bit := hypercall.GTFWriting
	if readonly {
		bit = hypercall.GTFReading
	}

	for {
		w := table.LoadUint32(off + hypercall.GrantEntryFlagsWord)
		dom, flags := hypercall.SplitGrantWord(w)

		if flags&hypercall.GTFTypeMask != hypercall.GTFPermitAccess || dom != d.id {
			return nil, &hypercall.OpError{Op: "gnttab_map_grant_ref", Err: hypercall.GrantPermissionDenied}
		}

		if !readonly && flags&hypercall.GTFReadonly != 0 {
			return nil, &hypercall.OpError{Op: "gnttab_map_grant_ref", Err: hypercall.GrantPermissionDenied}
		}

		if table.CompareAndSwapUint32(off+hypercall.GrantEntryFlagsWord, w, hypercall.GrantWord(dom, flags|bit)) {
			break
		}
	}

	key := pinKey{ref: ref, bit: bit}
	g.pins[key]++

	frame := shmem.Frame(table.LoadUint32(off + hypercall.GrantEntryFrame))

	page, err := m.arena.Page(frame)
	if err != nil {
		g.unpin(key)

		return nil, fmt.Errorf("grant %d of domain %d: %w", ref, granter, err)
	}

	return &Mapping{Page: page, granter: g, key: key}, nil
}

// Unmap drops the mapping. Calling it twice has no effect.
func (mp *Mapping) Unmap() {
	mp.once.Do(func() {
		mp.granter.m.mu.Lock()
		defer mp.granter.m.mu.Unlock()

		mp.granter.unpin(mp.key)
	})
}

// unpin is called with m.mu held.
func (d *Domain) unpin(key pinKey) {
	d.pins[key]--
	if d.pins[key] > 0 {
		return
	}

	delete(d.pins, key)

	idx, off := hypercall.GrantEntryLocation(key.ref)
	d.grantFrames[idx].AndUint32(off+hypercall.GrantEntryFlagsWord, ^uint32(key.bit))
}
