// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package xenstore

import (
	"errors"
	"io/fs"
)

// ErrTransactionConflict matches an EAGAIN reply to a commit.
var ErrTransactionConflict = errors.New("transaction conflict")

// Error is an XS_ERROR reply.
type Error struct {
	Op    string
	Path  string
	Errno string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "xenstore " + e.Op + ": " + e.Errno
	}

	return "xenstore " + e.Op + " " + e.Path + ": " + e.Errno
}

// Is maps store errnos onto well-known errors.
func (e *Error) Is(target error) bool {
	switch e.Errno {
	case "ENOENT":
		return target == fs.ErrNotExist
	case "EACCES":
		return target == fs.ErrPermission
	case "EEXIST":
		return target == fs.ErrExist
	case "EAGAIN":
		return target == ErrTransactionConflict
	}

	return false
}
