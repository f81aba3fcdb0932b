package vfs

import (
	"time"

	"github.com/google/uuid"
)

// MountID identifies a mounted volume. Zero is never assigned.
type MountID int32

// NodeID identifies a node within one volume.
type NodeID int64

// VnodeKey is the identity of a vnode.
type VnodeKey struct {
	Mount MountID
	Node  NodeID
}

// IsZero reports whether the key refers to nothing.
func (k VnodeKey) IsZero() bool {
	return k.Mount == 0
}

// NodeType represents the type of a filesystem node
type NodeType int

const (
	// TypeUnknown is used before the driver resolved the node
	TypeUnknown NodeType = iota
	// TypeFile is a regular file
	TypeFile
	// TypeDirectory is a directory
	TypeDirectory
	// TypeSymlink is a symbolic link
	TypeSymlink
)

func (t NodeType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "dir"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Node is the driver's private handle for a vnode.
type Node any

// Cookie is the driver's private per-open state.
type Cookie any

// Stat describes a node. Dev and Ino are filled in by the VFS.
type Stat struct {
	Dev    MountID
	Ino    NodeID
	Type   NodeType
	Mode   uint32 // permission bits
	Nlink  uint32
	UID    uint32
	GID    uint32
	Size   int64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time
	// AttrType is set for attribute and index stats
	AttrType uint32
}

// StatMask selects the Stat fields a write-stat call changes.
type StatMask uint32

const (
	StatMode StatMask = 1 << iota
	StatUID
	StatGID
	StatSize
	StatAtime
	StatMtime
	StatCrtime
)

// OpenMode carries the access mode and open flags.
type OpenMode uint32

const (
	ORdOnly OpenMode = 0
	OWrOnly OpenMode = 1
	ORdWr   OpenMode = 2
	// OAccMode masks the access mode bits
	OAccMode OpenMode = 3

	OCreate OpenMode = 1 << (iota + 1)
	OExcl
	OTrunc
	OAppend
	ODirectory
	ONoTraverse
	OCloseOnExec
)

// Readable reports whether the access mode permits reads.
func (m OpenMode) Readable() bool {
	return m&OAccMode != OWrOnly
}

// Writable reports whether the access mode permits writes.
func (m OpenMode) Writable() bool {
	acc := m & OAccMode
	return acc == OWrOnly || acc == ORdWr
}

// AccessMode is the argument to access checks.
type AccessMode uint32

const (
	AccessExec  AccessMode = 1
	AccessWrite AccessMode = 2
	AccessRead  AccessMode = 4
)

// DirEntry is one entry returned by directory, attribute, index or query iteration.
type DirEntry struct {
	Dev  MountID
	Ino  NodeID
	Name string
}

// MountFlags are passed to Mount and Unmount.
type MountFlags uint32

const (
	MountReadOnly MountFlags = 1 << iota
	// UnmountForce disconnects descriptors still using the volume
	UnmountForce
)

// FsInfo describes a mounted volume.
type FsInfo struct {
	Dev         MountID
	Root        NodeID
	ID          uuid.UUID
	Flags       MountFlags
	BlockSize   int64
	TotalBlocks int64
	FreeBlocks  int64
	TotalNodes  int64
	FreeNodes   int64
	DeviceName  string
	VolumeName  string
	FsName      string
}

// FsInfoMask selects the FsInfo fields WriteFsInfo changes.
type FsInfoMask uint32

const (
	FsInfoName FsInfoMask = 1 << iota
)

// Whence values for Seek.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)
