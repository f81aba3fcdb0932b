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
	"testing"

	"github.com/stretchr/testify/assert"

	"fsshell/internal/common"
)

func TestErrorMappings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"ENOENT", ENOENT, syscall.ENOENT},
		{"EEXIST", EEXIST, syscall.EEXIST},
		{"ENOTDIR", ENOTDIR, syscall.ENOTDIR},
		{"EISDIR", EISDIR, syscall.EISDIR},
		{"EBADF", EBADF, syscall.EBADF},
		{"EINVAL", EINVAL, syscall.EINVAL},
		{"EBUSY", EBUSY, syscall.EBUSY},
		{"ELOOP", ELOOP, syscall.ELOOP},
		{"EXDEV", EXDEV, syscall.EXDEV},
		{"EMFILE", EMFILE, syscall.EMFILE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err, "%s should map to syscall.%s", tt.name, tt.name)
		})
	}
}

func TestToErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"not found", common.ErrNotFound, syscall.ENOENT},
		{"wrapped busy", fmt.Errorf("unmount /mnt: %w", common.ErrBusy), syscall.EBUSY},
		{"link limit", common.ErrLinkLimit, syscall.ELOOP},
		{"disconnected", common.ErrDisconnected, syscall.EBADF},
		{"no more fds", common.ErrNoMoreFDs, syscall.EMFILE},
		{"cross device", common.ErrCrossDevice, syscall.EXDEV},
		{"raw errno", syscall.ENOSPC, syscall.ENOSPC},
		{"unknown", errors.New("driver exploded"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ToErrno(tt.err))
		})
	}
}
