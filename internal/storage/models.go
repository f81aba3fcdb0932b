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
	"time"

	"github.com/uptrace/bun"
)

// Bun ORM models for the data file tables.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// InodeModel represents the inodes table.
// Note: Times are stored as Unix timestamps in the database.
type InodeModel struct {
	bun.BaseModel `bun:"table:inodes"`

	Ino    int64 `bun:"ino,pk"`
	Mode   int64 `bun:"mode,notnull"`
	UID    int64 `bun:"uid,notnull"`
	GID    int64 `bun:"gid,notnull"`
	Size   int64 `bun:"size,notnull"`
	Atime  int64 `bun:"atime,notnull"`
	Mtime  int64 `bun:"mtime,notnull"`
	Ctime  int64 `bun:"ctime,notnull"`
	Crtime int64 `bun:"crtime,notnull"`
	Nlink  int64 `bun:"nlink,notnull"`
}

// ToInode converts an InodeModel to an Inode
func (m *InodeModel) ToInode() *Inode {
	return &Inode{
		Ino:    m.Ino,
		Mode:   uint32(m.Mode),
		Uid:    uint32(m.UID),
		Gid:    uint32(m.GID),
		Size:   m.Size,
		Atime:  time.Unix(m.Atime, 0),
		Mtime:  time.Unix(m.Mtime, 0),
		Ctime:  time.Unix(m.Ctime, 0),
		Crtime: time.Unix(m.Crtime, 0),
		Nlink:  int32(m.Nlink),
	}
}

// InodeModelFromInode converts an Inode to InodeModel
func InodeModelFromInode(inode *Inode) *InodeModel {
	return &InodeModel{
		Ino:    inode.Ino,
		Mode:   int64(inode.Mode),
		UID:    int64(inode.Uid),
		GID:    int64(inode.Gid),
		Size:   inode.Size,
		Atime:  inode.Atime.Unix(),
		Mtime:  inode.Mtime.Unix(),
		Ctime:  inode.Ctime.Unix(),
		Crtime: inode.Crtime.Unix(),
		Nlink:  int64(inode.Nlink),
	}
}

// DentryModel represents the dentries table
type DentryModel struct {
	bun.BaseModel `bun:"table:dentries"`

	ParentIno int64  `bun:"parent_ino,pk"`
	Name      string `bun:"name,pk"`
	Ino       int64  `bun:"ino,notnull"`
}

// ToDentry converts a DentryModel to a Dentry
func (m *DentryModel) ToDentry() *Dentry {
	return &Dentry{
		ParentIno: m.ParentIno,
		Name:      m.Name,
		Ino:       m.Ino,
	}
}

// ContentModel represents the content table (file chunks)
type ContentModel struct {
	bun.BaseModel `bun:"table:content"`

	Ino      int64  `bun:"ino,pk"`
	ChunkIdx int64  `bun:"chunk_idx,pk"`
	Data     []byte `bun:"data,notnull"`
}

// SymlinkModel represents the symlinks table
type SymlinkModel struct {
	bun.BaseModel `bun:"table:symlinks"`

	Ino    int64  `bun:"ino,pk"`
	Target string `bun:"target,notnull"`
}

// AttrModel represents the attrs table
type AttrModel struct {
	bun.BaseModel `bun:"table:attrs"`

	Ino  int64  `bun:"ino,pk"`
	Name string `bun:"name,pk"`
	Type int64  `bun:"type,notnull"`
	Data []byte `bun:"data,notnull"`
}
