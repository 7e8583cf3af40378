// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"fmt"
)

// Errno is a Xen error number. Hypercalls report failure as -Errno.
type Errno int32

// Error numbers the guest core can be faced with.
const (
	EPERM  Errno = 1
	ESRCH  Errno = 3
	ENOMEM Errno = 12
	EBUSY  Errno = 16
	EINVAL Errno = 22
	ENOSPC Errno = 28
	ENOSYS Errno = 38
)

var errnoNames = map[Errno]string{
	EPERM:  "operation not permitted",
	ESRCH:  "no such domain",
	ENOMEM: "out of memory",
	EBUSY:  "resource busy",
	EINVAL: "invalid argument",
	ENOSPC: "no space left",
	ENOSYS: "function not implemented",
}

func (e Errno) Error() string {
	if s, ok := errnoNames[e]; ok {
		return s
	}

	return fmt.Sprintf("errno %d", int32(e))
}

// Status converts a raw hypercall return value into an error.
func Status(rc int64) error {
	if rc >= 0 {
		return nil
	}

	return Errno(-rc)
}

// GrantStatus is a per-operation grant table status (GNTST_*).
type GrantStatus int16

// GNTST_* codes.
const (
	GrantOK               GrantStatus = 0
	GrantGeneralError     GrantStatus = -1
	GrantBadDomain        GrantStatus = -2
	GrantBadRef           GrantStatus = -3
	GrantPermissionDenied GrantStatus = -8
)

func (s GrantStatus) Error() string {
	switch s {
	case GrantOK:
		return "okay"
	case GrantGeneralError:
		return "general error"
	case GrantBadDomain:
		return "bad domain"
	case GrantBadRef:
		return "bad grant reference"
	case GrantPermissionDenied:
		return "permission denied"
	}

	return fmt.Sprintf("grant status %d", int16(s))
}

// OpError records a rejected hypercall.
type OpError struct {
	Err error
	Op  string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("hypercall %s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
