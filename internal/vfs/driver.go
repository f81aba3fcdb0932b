package vfs

import (
	"errors"

	"fsshell/internal/common"
)

// FileSystem is a registered driver. Mount creates one Volume per mounted
// instance and returns the id of its root node. The driver should publish the
// root through host before returning; the published reference becomes the
// mount's own reference.
type FileSystem interface {
	Name() string
	Mount(host *Host, device string, flags MountFlags, args string) (Volume, NodeID, error)
}

// Volume is the per-mount driver state. Every hook is optional: drivers embed
// UnimplementedVolume and override what they support.
type Volume interface {
	// Volume
	Unmount() error
	Sync() error
	ReadFsInfo(info *FsInfo) error
	WriteFsInfo(info FsInfo, mask FsInfoMask) error

	// Node
	Lookup(dir Node, name string) (NodeID, error)
	GetVnodeName(node Node) (string, error)
	GetVnode(id NodeID) (Node, NodeType, error)
	PutVnode(node Node) error
	RemoveVnode(node Node) error
	ReadStat(node Node) (Stat, error)
	WriteStat(node Node, st Stat, mask StatMask) error
	Access(node Node, mode AccessMode) error
	Fsync(node Node) error

	// File
	Create(dir Node, name string, mode OpenMode, perms uint32) (NodeID, Cookie, error)
	Open(node Node, mode OpenMode) (Cookie, error)
	Close(node Node, cookie Cookie) error
	FreeCookie(node Node, cookie Cookie) error
	Read(node Node, cookie Cookie, pos int64, buf []byte) (int, error)
	Write(node Node, cookie Cookie, pos int64, buf []byte) (int, error)
	Ioctl(node Node, cookie Cookie, op uint32, buf []byte) error
	ReadSymlink(node Node) (string, error)
	CreateSymlink(dir Node, name, target string, perms uint32) error
	Link(dir Node, name string, node Node) error
	Unlink(dir Node, name string) error
	Rename(fromDir Node, fromName string, toDir Node, toName string) error

	// Directory
	CreateDir(dir Node, name string, perms uint32) error
	RemoveDir(dir Node, name string) error
	OpenDir(node Node) (Cookie, error)
	CloseDir(node Node, cookie Cookie) error
	FreeDirCookie(node Node, cookie Cookie) error
	ReadDir(node Node, cookie Cookie, max int) ([]DirEntry, error)
	RewindDir(node Node, cookie Cookie) error

	// Attribute directory
	OpenAttrDir(node Node) (Cookie, error)
	CloseAttrDir(node Node, cookie Cookie) error
	FreeAttrDirCookie(node Node, cookie Cookie) error
	ReadAttrDir(node Node, cookie Cookie, max int) ([]DirEntry, error)
	RewindAttrDir(node Node, cookie Cookie) error

	// Attribute
	CreateAttr(node Node, name string, attrType uint32, mode OpenMode) (Cookie, error)
	OpenAttr(node Node, name string, mode OpenMode) (Cookie, error)
	CloseAttr(node Node, cookie Cookie) error
	FreeAttrCookie(node Node, cookie Cookie) error
	ReadAttr(node Node, cookie Cookie, pos int64, buf []byte) (int, error)
	WriteAttr(node Node, cookie Cookie, pos int64, buf []byte) (int, error)
	ReadAttrStat(node Node, cookie Cookie) (Stat, error)
	WriteAttrStat(node Node, cookie Cookie, st Stat, mask StatMask) error
	RenameAttr(fromNode Node, fromName string, toNode Node, toName string) error
	RemoveAttr(node Node, name string) error

	// Index directory and indices
	OpenIndexDir() (Cookie, error)
	CloseIndexDir(cookie Cookie) error
	FreeIndexDirCookie(cookie Cookie) error
	ReadIndexDir(cookie Cookie, max int) ([]DirEntry, error)
	RewindIndexDir(cookie Cookie) error
	CreateIndex(name string, attrType uint32, flags uint32) error
	RemoveIndex(name string) error
	ReadIndexStat(name string) (Stat, error)

	// Query
	OpenQuery(query string, flags uint32) (Cookie, error)
	CloseQuery(cookie Cookie) error
	FreeQueryCookie(cookie Cookie) error
	ReadQuery(cookie Cookie, max int) ([]DirEntry, error)
	RewindQuery(cookie Cookie) error
}

// UnimplementedVolume responds to every hook with common.ErrNotSupported.
// Embed it in a driver's volume type to inherit defaults for the hooks the
// driver does not provide.
type UnimplementedVolume struct{}

var _ Volume = UnimplementedVolume{}

var errNotSupported = common.ErrNotSupported

func (UnimplementedVolume) Unmount() error                        { return nil }
func (UnimplementedVolume) Sync() error                           { return errNotSupported }
func (UnimplementedVolume) ReadFsInfo(*FsInfo) error              { return errNotSupported }
func (UnimplementedVolume) WriteFsInfo(FsInfo, FsInfoMask) error  { return errNotSupported }
func (UnimplementedVolume) Lookup(Node, string) (NodeID, error)   { return 0, errNotSupported }
func (UnimplementedVolume) GetVnodeName(Node) (string, error)     { return "", errNotSupported }
func (UnimplementedVolume) PutVnode(Node) error                   { return errNotSupported }
func (UnimplementedVolume) RemoveVnode(Node) error                { return errNotSupported }
func (UnimplementedVolume) ReadStat(Node) (Stat, error)           { return Stat{}, errNotSupported }
func (UnimplementedVolume) WriteStat(Node, Stat, StatMask) error  { return errNotSupported }
func (UnimplementedVolume) Access(Node, AccessMode) error         { return errNotSupported }
func (UnimplementedVolume) Fsync(Node) error                      { return errNotSupported }
func (UnimplementedVolume) Open(Node, OpenMode) (Cookie, error)   { return nil, errNotSupported }
func (UnimplementedVolume) Close(Node, Cookie) error              { return errNotSupported }
func (UnimplementedVolume) FreeCookie(Node, Cookie) error         { return errNotSupported }
func (UnimplementedVolume) ReadSymlink(Node) (string, error)      { return "", errNotSupported }
func (UnimplementedVolume) Link(Node, string, Node) error         { return errNotSupported }
func (UnimplementedVolume) Unlink(Node, string) error             { return errNotSupported }
func (UnimplementedVolume) CreateDir(Node, string, uint32) error  { return errNotSupported }
func (UnimplementedVolume) RemoveDir(Node, string) error          { return errNotSupported }
func (UnimplementedVolume) OpenDir(Node) (Cookie, error)          { return nil, errNotSupported }
func (UnimplementedVolume) CloseDir(Node, Cookie) error           { return errNotSupported }
func (UnimplementedVolume) FreeDirCookie(Node, Cookie) error      { return errNotSupported }
func (UnimplementedVolume) RewindDir(Node, Cookie) error          { return errNotSupported }
func (UnimplementedVolume) OpenAttrDir(Node) (Cookie, error)      { return nil, errNotSupported }
func (UnimplementedVolume) CloseAttrDir(Node, Cookie) error       { return errNotSupported }
func (UnimplementedVolume) FreeAttrDirCookie(Node, Cookie) error  { return errNotSupported }
func (UnimplementedVolume) RewindAttrDir(Node, Cookie) error      { return errNotSupported }
func (UnimplementedVolume) CloseAttr(Node, Cookie) error          { return errNotSupported }
func (UnimplementedVolume) FreeAttrCookie(Node, Cookie) error     { return errNotSupported }
func (UnimplementedVolume) RemoveAttr(Node, string) error         { return errNotSupported }
func (UnimplementedVolume) OpenIndexDir() (Cookie, error)         { return nil, errNotSupported }
func (UnimplementedVolume) CloseIndexDir(Cookie) error            { return errNotSupported }
func (UnimplementedVolume) FreeIndexDirCookie(Cookie) error       { return errNotSupported }
func (UnimplementedVolume) RewindIndexDir(Cookie) error           { return errNotSupported }
func (UnimplementedVolume) CreateIndex(string, uint32, uint32) error { return errNotSupported }
func (UnimplementedVolume) RemoveIndex(string) error              { return errNotSupported }
func (UnimplementedVolume) ReadIndexStat(string) (Stat, error)    { return Stat{}, errNotSupported }
func (UnimplementedVolume) OpenQuery(string, uint32) (Cookie, error) { return nil, errNotSupported }
func (UnimplementedVolume) CloseQuery(Cookie) error               { return errNotSupported }
func (UnimplementedVolume) FreeQueryCookie(Cookie) error          { return errNotSupported }
func (UnimplementedVolume) RewindQuery(Cookie) error              { return errNotSupported }

func (UnimplementedVolume) GetVnode(NodeID) (Node, NodeType, error) {
	return nil, TypeUnknown, errNotSupported
}

func (UnimplementedVolume) Create(Node, string, OpenMode, uint32) (NodeID, Cookie, error) {
	return 0, nil, errNotSupported
}

func (UnimplementedVolume) Read(Node, Cookie, int64, []byte) (int, error) {
	return 0, errNotSupported
}

func (UnimplementedVolume) Write(Node, Cookie, int64, []byte) (int, error) {
	return 0, errNotSupported
}

func (UnimplementedVolume) Ioctl(Node, Cookie, uint32, []byte) error {
	return errNotSupported
}

func (UnimplementedVolume) CreateSymlink(Node, string, string, uint32) error {
	return errNotSupported
}

func (UnimplementedVolume) Rename(Node, string, Node, string) error {
	return errNotSupported
}

func (UnimplementedVolume) ReadDir(Node, Cookie, int) ([]DirEntry, error) {
	return nil, errNotSupported
}

func (UnimplementedVolume) ReadAttrDir(Node, Cookie, int) ([]DirEntry, error) {
	return nil, errNotSupported
}

func (UnimplementedVolume) CreateAttr(Node, string, uint32, OpenMode) (Cookie, error) {
	return nil, errNotSupported
}

func (UnimplementedVolume) OpenAttr(Node, string, OpenMode) (Cookie, error) {
	return nil, errNotSupported
}

func (UnimplementedVolume) ReadAttr(Node, Cookie, int64, []byte) (int, error) {
	return 0, errNotSupported
}

func (UnimplementedVolume) WriteAttr(Node, Cookie, int64, []byte) (int, error) {
	return 0, errNotSupported
}

func (UnimplementedVolume) ReadAttrStat(Node, Cookie) (Stat, error) {
	return Stat{}, errNotSupported
}

func (UnimplementedVolume) WriteAttrStat(Node, Cookie, Stat, StatMask) error {
	return errNotSupported
}

func (UnimplementedVolume) RenameAttr(Node, string, Node, string) error {
	return errNotSupported
}

func (UnimplementedVolume) ReadIndexDir(Cookie, int) ([]DirEntry, error) {
	return nil, errNotSupported
}

func (UnimplementedVolume) ReadQuery(Cookie, int) ([]DirEntry, error) {
	return nil, errNotSupported
}

// optional treats a missing hook as success.
func optional(err error) error {
	if errors.Is(err, errNotSupported) {
		return nil
	}
	return err
}
