// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package netfront

import "github.com/siderolabs/talos-xenguest/pkg/gnttab"

func (d *Device) RingRefs() (tx, rx gnttab.Ref) {
	return d.txRef, d.rxRef
}

func (d *Device) FreeTxIDs() int {
	return len(d.txFree)
}
