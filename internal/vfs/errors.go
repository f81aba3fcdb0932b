// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vfs

import (
	"errors"
	"fmt"
	"syscall"

	"fsshell/internal/common"
)

// VFS error codes mapped to syscall errors
var (
	ENOENT       = syscall.ENOENT       // No such file or directory
	EEXIST       = syscall.EEXIST       // File exists
	ENOTDIR      = syscall.ENOTDIR      // Not a directory
	EISDIR       = syscall.EISDIR       // Is a directory
	EBADF        = syscall.EBADF        // Bad file descriptor
	EINVAL       = syscall.EINVAL       // Invalid argument
	ENOTSUP      = syscall.ENOTSUP      // Operation not supported
	EIO          = syscall.EIO          // I/O error
	EACCES       = syscall.EACCES       // Permission denied
	EROFS        = syscall.EROFS        // Read-only file system
	ENOTEMPTY    = syscall.ENOTEMPTY    // Directory not empty
	EBUSY        = syscall.EBUSY        // Device or resource busy
	ENAMETOOLONG = syscall.ENAMETOOLONG // File name too long
	ELOOP        = syscall.ELOOP        // Too many levels of symbolic links
	EXDEV        = syscall.EXDEV        // Cross-device link
	EMFILE       = syscall.EMFILE       // Too many open files
	ENOMEM       = syscall.ENOMEM       // Out of memory
)

var errnoTable = []struct {
	err   error
	errno syscall.Errno
}{
	{common.ErrNotFound, ENOENT},
	{common.ErrExists, EEXIST},
	{common.ErrNotDir, ENOTDIR},
	{common.ErrIsDir, EISDIR},
	{common.ErrNotEmpty, ENOTEMPTY},
	{common.ErrInvalidPath, EINVAL},
	{common.ErrInvalidHandle, EBADF},
	{common.ErrDisconnected, EBADF},
	{common.ErrReadOnly, EROFS},
	{common.ErrIO, EIO},
	{common.ErrBusy, EBUSY},
	{common.ErrNameTooLong, ENAMETOOLONG},
	{common.ErrLinkLimit, ELOOP},
	{common.ErrNotSupported, ENOTSUP},
	{common.ErrCrossDevice, EXDEV},
	{common.ErrNoMoreFDs, EMFILE},
	{common.ErrNoMemory, ENOMEM},
	{common.ErrPermission, EACCES},
	{common.ErrInvalidArgument, EINVAL},
}

// ToErrno maps an error from this package or a driver to a syscall errno.
// Unknown errors map to EIO; nil maps to 0.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return EIO
}

var errnoNames = map[syscall.Errno]string{
	ENOENT:       "ENOENT",
	EEXIST:       "EEXIST",
	ENOTDIR:      "ENOTDIR",
	EISDIR:       "EISDIR",
	EBADF:        "EBADF",
	EINVAL:       "EINVAL",
	ENOTSUP:      "ENOTSUP",
	EIO:          "EIO",
	EACCES:       "EACCES",
	EROFS:        "EROFS",
	ENOTEMPTY:    "ENOTEMPTY",
	EBUSY:        "EBUSY",
	ENAMETOOLONG: "ENAMETOOLONG",
	ELOOP:        "ELOOP",
	EXDEV:        "EXDEV",
	EMFILE:       "EMFILE",
	ENOMEM:       "ENOMEM",
}

// ErrnoName returns the symbolic name of the errno err maps to, e.g. "ENOENT".
func ErrnoName(err error) string {
	errno := ToErrno(err)
	if name, ok := errnoNames[errno]; ok {
		return name
	}
	return fmt.Sprintf("errno %d", int(errno))
}
