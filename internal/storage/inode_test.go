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

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInode_Type(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mode    uint32
		dir     bool
		file    bool
		symlink bool
	}{
		{"directory", ModeDir | 0755, true, false, false},
		{"file", ModeFile | 0644, false, true, false},
		{"symlink", ModeSymlink | 0777, false, false, true},
		{"default dir mode", DefaultDirMode, true, false, false},
		{"default file mode", DefaultFileMode, false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			i := &Inode{Mode: tt.mode}
			assert.Equal(t, tt.dir, i.IsDir(), "mode=%o", tt.mode)
			assert.Equal(t, tt.file, i.IsFile(), "mode=%o", tt.mode)
			assert.Equal(t, tt.symlink, i.IsSymlink(), "mode=%o", tt.mode)
		})
	}
}

func TestInode_Permissions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mode     uint32
		expected uint32
	}{
		{"dir 755", ModeDir | 0755, 0755},
		{"file 644", ModeFile | 0644, 0644},
		{"symlink 777", ModeSymlink | 0777, 0777},
		{"file 600", ModeFile | 0600, 0600},
		{"dir 700", ModeDir | 0700, 0700},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			i := &Inode{Mode: tt.mode}
			assert.Equal(t, tt.expected, i.Permissions())
		})
	}
}

func TestInodeModel_TruncatesToSeconds(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 999)
	i := &Inode{
		Ino:    42,
		Mode:   DefaultFileMode,
		Uid:    1000,
		Gid:    1000,
		Size:   1024,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
		Nlink:  1,
	}

	got := InodeModelFromInode(i).ToInode()
	assert.Equal(t, int64(42), got.Ino)
	assert.Equal(t, int64(1024), got.Size)
	assert.Equal(t, int32(1), got.Nlink)
	assert.Equal(t, int64(1700000000), got.Crtime.Unix())
	assert.Zero(t, got.Mtime.Nanosecond())
	assert.True(t, got.IsFile())
}
