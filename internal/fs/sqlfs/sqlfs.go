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

// Package sqlfs is a persistent filesystem driver. Each volume is a SQLite
// data file (see internal/storage) named by the mount's device argument.
package sqlfs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"fsshell/internal/common"
	"fsshell/internal/storage"
	"fsshell/internal/vfs"
)

// Name is the registered filesystem name.
const Name = "sqlfs"

// RootID is the node id of every sqlfs root directory.
const RootID = vfs.NodeID(storage.RootIno)

const volumeNameKey = "volume_name"

// FileSystem creates sqlfs volumes.
type FileSystem struct{}

// New returns the sqlfs driver.
func New() *FileSystem { return &FileSystem{} }

func (*FileSystem) Name() string { return Name }

// Mount opens the data file at device, creating it unless the mount is
// read-only. args may carry "name=<volume name>", which is stored in the file.
func (*FileSystem) Mount(host *vfs.Host, device string, flags vfs.MountFlags, args string) (vfs.Volume, vfs.NodeID, error) {
	if device == "" {
		return nil, 0, fmt.Errorf("sqlfs needs a data file path: %w", common.ErrInvalidArgument)
	}

	var (
		df  *storage.DataFile
		err error
	)
	if flags&vfs.MountReadOnly != 0 {
		df, err = storage.Open(device)
	} else {
		df, err = storage.OpenOrCreate(device)
	}
	if err != nil {
		return nil, 0, err
	}

	v := &Volume{host: host, df: df, readOnly: flags&vfs.MountReadOnly != 0}
	if !v.readOnly {
		if n, err := df.PurgeOrphans(); err != nil {
			log.Warnf("[sqlfs] orphan sweep of %s: %v", device, err)
		} else if n > 0 {
			log.Infof("[sqlfs] purged %d orphaned nodes from %s", n, device)
		}
		if name := volumeName(args); name != "" {
			if err := v.setVolumeName(name); err != nil {
				df.Close()
				return nil, 0, err
			}
		}
	}

	root := &node{ino: storage.RootIno, typ: vfs.TypeDirectory}
	if err := host.PublishVnode(RootID, root, vfs.TypeDirectory); err != nil {
		df.Close()
		return nil, 0, err
	}
	log.Debugf("[sqlfs] mounted %s as %d", device, host.MountID())
	return v, RootID, nil
}

func volumeName(args string) string {
	for _, kv := range strings.Split(args, ",") {
		if name, ok := strings.CutPrefix(strings.TrimSpace(kv), "name="); ok {
			return name
		}
	}
	return ""
}

// node is the driver side of a vnode. Everything else lives in the data file.
type node struct {
	ino int64
	typ vfs.NodeType
}

func asNode(n vfs.Node) *node {
	return n.(*node)
}

func (n *node) id() vfs.NodeID {
	return vfs.NodeID(n.ino)
}

func nodeType(mode uint32) vfs.NodeType {
	switch mode & storage.ModeMask {
	case storage.ModeDir:
		return vfs.TypeDirectory
	case storage.ModeSymlink:
		return vfs.TypeSymlink
	case storage.ModeFile:
		return vfs.TypeFile
	default:
		return vfs.TypeUnknown
	}
}

type fileCookie struct {
	mode vfs.OpenMode
}

type dirCookie struct {
	entries []vfs.DirEntry
	pos     int
}

// Volume is one mounted data file.
type Volume struct {
	vfs.UnimplementedVolume

	host     *vfs.Host
	df       *storage.DataFile
	readOnly bool

	// nsMu serializes namespace changes so existence and emptiness checks
	// hold until the change is committed.
	nsMu sync.Mutex
}

var _ vfs.Volume = (*Volume)(nil)

// DataFile returns the storage behind the volume.
func (v *Volume) DataFile() *storage.DataFile {
	return v.df
}

func (v *Volume) setVolumeName(name string) error {
	return v.df.BunDB().SetSchemaInfo(context.Background(), volumeNameKey, name)
}

// release hands a node whose last link went away back to the vnode cache,
// which calls RemoveVnode once every reference is gone. Must be called
// without v.nsMu held.
func (v *Volume) release(ino int64) {
	id := vfs.NodeID(ino)
	if _, err := v.host.GetVnode(id); err != nil {
		log.Warnf("[sqlfs] release of node %d: %v", ino, err)
		if err := v.df.DeleteInode(ino); err != nil {
			log.Warnf("[sqlfs] delete of node %d: %v", ino, err)
		}
		return
	}
	if err := v.host.RemoveVnode(id); err != nil {
		log.Warnf("[sqlfs] remove of node %d: %v", ino, err)
	}
	if err := v.host.PutVnode(id); err != nil {
		log.Warnf("[sqlfs] put of node %d: %v", ino, err)
	}
}

// dirOf validates a directory node and a new entry name.
func dirOf(n vfs.Node, name string) (*node, error) {
	dir := asNode(n)
	if dir.typ != vfs.TypeDirectory {
		return nil, common.ErrNotDir
	}
	if err := common.CheckName(name); err != nil {
		return nil, err
	}
	return dir, nil
}

// checkFree fails with ErrExists if name is taken in dir. Caller holds v.nsMu.
func (v *Volume) checkFree(dir *node, name string) error {
	_, err := v.df.Lookup(dir.ino, name)
	switch {
	case err == nil:
		return common.ErrExists
	case errors.Is(err, common.ErrNotFound):
		return nil
	default:
		return err
	}
}

// child looks up name in dir and loads its inode. Caller holds v.nsMu.
func (v *Volume) child(dir *node, name string) (*storage.Inode, error) {
	d, err := v.df.Lookup(dir.ino, name)
	if err != nil {
		return nil, err
	}
	return v.df.GetInode(d.Ino)
}

// --- Volume ---

func (v *Volume) Unmount() error {
	log.Debugf("[sqlfs] unmounting %s", v.df.Path())
	return v.df.Close()
}

func (v *Volume) Sync() error {
	if v.readOnly {
		return nil
	}
	return v.df.Checkpoint()
}

func (v *Volume) ReadFsInfo(info *vfs.FsInfo) error {
	stats, err := v.df.GetStorageStats()
	if err != nil {
		return err
	}
	name, err := v.df.BunDB().GetSchemaInfo(context.Background(), volumeNameKey)
	if err != nil {
		return err
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(v.df.Path()), filepath.Ext(v.df.Path()))
	}
	info.BlockSize = storage.ChunkSize
	info.TotalBlocks = stats.Chunks
	info.TotalNodes = stats.Inodes
	info.VolumeName = name
	return nil
}

func (v *Volume) WriteFsInfo(info vfs.FsInfo, mask vfs.FsInfoMask) error {
	if mask&vfs.FsInfoName != 0 {
		if info.VolumeName == "" {
			return common.ErrInvalidArgument
		}
		return v.setVolumeName(info.VolumeName)
	}
	return nil
}

// --- Node ---

func (v *Volume) Lookup(dirNode vfs.Node, name string) (vfs.NodeID, error) {
	dir := asNode(dirNode)
	if dir.typ != vfs.TypeDirectory {
		return 0, common.ErrNotDir
	}
	switch name {
	case ".":
		return dir.id(), nil
	case "..":
		parent, err := v.parentOf(dir.ino)
		return vfs.NodeID(parent), err
	}
	d, err := v.df.Lookup(dir.ino, name)
	if err != nil {
		return 0, err
	}
	return vfs.NodeID(d.Ino), nil
}

// parentOf returns the directory holding directory ino. The root is its own parent.
func (v *Volume) parentOf(ino int64) (int64, error) {
	if ino == storage.RootIno {
		return ino, nil
	}
	d, err := v.df.FindParent(ino)
	if err != nil {
		return 0, err
	}
	return d.ParentIno, nil
}

func (v *Volume) GetVnodeName(n vfs.Node) (string, error) {
	nd := asNode(n)
	if nd.typ != vfs.TypeDirectory || nd.ino == storage.RootIno {
		return "", common.ErrNotFound
	}
	d, err := v.df.FindParent(nd.ino)
	if err != nil {
		return "", err
	}
	return d.Name, nil
}

func (v *Volume) GetVnode(id vfs.NodeID) (vfs.Node, vfs.NodeType, error) {
	inode, err := v.df.GetInode(int64(id))
	if err != nil {
		return nil, vfs.TypeUnknown, fmt.Errorf("sqlfs node %d: %w", id, err)
	}
	if inode.Nlink == 0 && inode.Ino != storage.RootIno {
		return nil, vfs.TypeUnknown, fmt.Errorf("sqlfs node %d is unlinked: %w", id, common.ErrNotFound)
	}
	typ := nodeType(inode.Mode)
	return &node{ino: inode.Ino, typ: typ}, typ, nil
}

func (v *Volume) PutVnode(vfs.Node) error { return nil }

func (v *Volume) RemoveVnode(n vfs.Node) error {
	nd := asNode(n)
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[sqlfs] deleting node %d", nd.ino)
	}
	return v.df.DeleteInode(nd.ino)
}

func (v *Volume) ReadStat(n vfs.Node) (vfs.Stat, error) {
	inode, err := v.df.GetInode(asNode(n).ino)
	if err != nil {
		return vfs.Stat{}, err
	}
	return vfs.Stat{
		Type:   nodeType(inode.Mode),
		Mode:   inode.Mode & 07777,
		Nlink:  uint32(inode.Nlink),
		UID:    inode.Uid,
		GID:    inode.Gid,
		Size:   inode.Size,
		Atime:  inode.Atime,
		Mtime:  inode.Mtime,
		Ctime:  inode.Ctime,
		Crtime: inode.Crtime,
	}, nil
}

func (v *Volume) WriteStat(n vfs.Node, st vfs.Stat, mask vfs.StatMask) error {
	nd := asNode(n)
	if mask&vfs.StatSize != 0 {
		if nd.typ != vfs.TypeFile {
			return common.ErrIsDir
		}
		if err := v.df.TruncateContent(nd.ino, st.Size); err != nil {
			return err
		}
	}

	var upd storage.InodeUpdate
	if mask&vfs.StatMode != 0 {
		inode, err := v.df.GetInode(nd.ino)
		if err != nil {
			return err
		}
		mode := inode.Mode&storage.ModeMask | st.Mode&07777
		upd.Mode = &mode
	}
	if mask&vfs.StatUID != 0 {
		upd.Uid = &st.UID
	}
	if mask&vfs.StatGID != 0 {
		upd.Gid = &st.GID
	}
	if mask&vfs.StatAtime != 0 {
		upd.Atime = &st.Atime
	}
	if mask&vfs.StatMtime != 0 {
		upd.Mtime = &st.Mtime
	}
	if mask&vfs.StatCrtime != 0 {
		upd.Crtime = &st.Crtime
	}
	return v.df.UpdateInode(nd.ino, &upd)
}

// Access checks the permission bits of any class.
func (v *Volume) Access(n vfs.Node, mode vfs.AccessMode) error {
	inode, err := v.df.GetInode(asNode(n).ino)
	if err != nil {
		return err
	}
	perms := inode.Mode
	if mode&vfs.AccessExec != 0 && perms&0111 == 0 {
		return common.ErrPermission
	}
	if mode&vfs.AccessWrite != 0 && perms&0222 == 0 {
		return common.ErrPermission
	}
	if mode&vfs.AccessRead != 0 && perms&0444 == 0 {
		return common.ErrPermission
	}
	return nil
}

func (v *Volume) Fsync(vfs.Node) error {
	return v.Sync()
}

// --- File ---

// Create reserves the new node in the vnode cache before linking it so that
// a concurrent lookup waits for the publish instead of loading it.
func (v *Volume) Create(dirNode vfs.Node, name string, mode vfs.OpenMode, perms uint32) (vfs.NodeID, vfs.Cookie, error) {
	dir, err := dirOf(dirNode, name)
	if err != nil {
		return 0, nil, err
	}

	v.nsMu.Lock()
	if err := v.checkFree(dir, name); err != nil {
		v.nsMu.Unlock()
		return 0, nil, err
	}
	ino, err := v.df.CreateInode(storage.ModeFile | perms&07777)
	if err != nil {
		v.nsMu.Unlock()
		return 0, nil, err
	}
	n := &node{ino: ino, typ: vfs.TypeFile}
	if err := v.host.NewVnode(n.id(), n); err != nil {
		v.nsMu.Unlock()
		v.df.DeleteInode(ino)
		return 0, nil, err
	}
	err = v.df.CreateDentry(dir.ino, name, ino)
	v.nsMu.Unlock()
	if err != nil {
		// dropping the reservation deletes the inode through RemoveVnode
		v.host.RemoveVnode(n.id())
		return 0, nil, err
	}

	if err := v.host.PublishVnode(n.id(), n, vfs.TypeFile); err != nil {
		return 0, nil, err
	}
	return n.id(), &fileCookie{mode: mode}, nil
}

func (v *Volume) Open(n vfs.Node, mode vfs.OpenMode) (vfs.Cookie, error) {
	return &fileCookie{mode: mode}, nil
}

func (v *Volume) Close(vfs.Node, vfs.Cookie) error      { return nil }
func (v *Volume) FreeCookie(vfs.Node, vfs.Cookie) error { return nil }

func (v *Volume) Read(n vfs.Node, _ vfs.Cookie, pos int64, buf []byte) (int, error) {
	nd := asNode(n)
	if nd.typ == vfs.TypeDirectory {
		return 0, common.ErrIsDir
	}
	data, err := v.df.ReadContent(nd.ino, pos, len(buf))
	if err != nil {
		return 0, err
	}
	return copy(buf, data), nil
}

func (v *Volume) Write(n vfs.Node, _ vfs.Cookie, pos int64, buf []byte) (int, error) {
	nd := asNode(n)
	if nd.typ == vfs.TypeDirectory {
		return 0, common.ErrIsDir
	}
	if err := v.df.WriteContent(nd.ino, pos, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (v *Volume) ReadSymlink(n vfs.Node) (string, error) {
	nd := asNode(n)
	if nd.typ != vfs.TypeSymlink {
		return "", common.ErrInvalidArgument
	}
	return v.df.ReadSymlink(nd.ino)
}

func (v *Volume) CreateSymlink(dirNode vfs.Node, name, target string, perms uint32) error {
	dir, err := dirOf(dirNode, name)
	if err != nil {
		return err
	}
	v.nsMu.Lock()
	defer v.nsMu.Unlock()
	if err := v.checkFree(dir, name); err != nil {
		return err
	}
	ino, err := v.df.CreateInode(storage.ModeSymlink | perms&07777)
	if err != nil {
		return err
	}
	if err := v.df.CreateSymlink(ino, target); err != nil {
		v.df.DeleteInode(ino)
		return err
	}
	if err := v.df.CreateDentry(dir.ino, name, ino); err != nil {
		v.df.DeleteInode(ino)
		return err
	}
	return nil
}

func (v *Volume) Link(dirNode vfs.Node, name string, target vfs.Node) error {
	dir, err := dirOf(dirNode, name)
	if err != nil {
		return err
	}
	n := asNode(target)
	if n.typ == vfs.TypeDirectory {
		return common.ErrPermission
	}
	v.nsMu.Lock()
	defer v.nsMu.Unlock()
	return v.df.CreateDentry(dir.ino, name, n.ino)
}

func (v *Volume) Unlink(dirNode vfs.Node, name string) error {
	dir, err := dirOf(dirNode, name)
	if err != nil {
		return err
	}
	v.nsMu.Lock()
	inode, err := v.child(dir, name)
	if err != nil {
		v.nsMu.Unlock()
		return err
	}
	if inode.IsDir() {
		v.nsMu.Unlock()
		return common.ErrIsDir
	}
	nlink, err := v.df.DeleteDentry(dir.ino, name)
	v.nsMu.Unlock()
	if err != nil {
		return err
	}

	if nlink == 0 {
		v.release(inode.Ino)
	}
	return nil
}

// isAncestor reports whether directory a is dir or one of its ancestors.
// Caller holds v.nsMu.
func (v *Volume) isAncestor(a, dir int64) (bool, error) {
	for ino := dir; ; {
		if ino == a {
			return true, nil
		}
		if ino == storage.RootIno {
			return false, nil
		}
		parent, err := v.parentOf(ino)
		if err != nil {
			return false, err
		}
		ino = parent
	}
}

func (v *Volume) Rename(fromDir vfs.Node, fromName string, toDir vfs.Node, toName string) error {
	src, err := dirOf(fromDir, fromName)
	if err != nil {
		return err
	}
	dst, err := dirOf(toDir, toName)
	if err != nil {
		return err
	}

	v.nsMu.Lock()
	replaced, err := v.renameLocked(src, fromName, dst, toName)
	v.nsMu.Unlock()
	if err != nil {
		return err
	}
	if replaced != 0 {
		v.release(replaced)
	}
	return nil
}

// renameLocked moves the entry and returns the ino of a replaced node that
// lost its last link, or 0. Caller holds v.nsMu.
func (v *Volume) renameLocked(src *node, fromName string, dst *node, toName string) (int64, error) {
	moving, err := v.child(src, fromName)
	if err != nil {
		return 0, err
	}
	if moving.IsDir() {
		inside, err := v.isAncestor(moving.Ino, dst.ino)
		if err != nil {
			return 0, err
		}
		if inside {
			return 0, common.ErrInvalidArgument
		}
	}

	old, err := v.child(dst, toName)
	switch {
	case errors.Is(err, common.ErrNotFound):
	case err != nil:
		return 0, err
	case old.Ino == moving.Ino:
		return 0, nil
	case old.IsDir() && !moving.IsDir():
		return 0, common.ErrIsDir
	case !old.IsDir() && moving.IsDir():
		return 0, common.ErrNotDir
	case old.IsDir():
		busy, err := v.df.HasChildren(old.Ino)
		if err != nil {
			return 0, err
		}
		if busy {
			return 0, common.ErrNotEmpty
		}
	}

	replaced, err := v.df.RenameDentry(src.ino, fromName, dst.ino, toName)
	if err != nil || replaced == 0 {
		return 0, err
	}
	inode, err := v.df.GetInode(replaced)
	if err != nil {
		return 0, err
	}
	if inode.Nlink > 0 && !inode.IsDir() {
		return 0, nil
	}
	return replaced, nil
}

// --- Directory ---

func (v *Volume) CreateDir(dirNode vfs.Node, name string, perms uint32) error {
	dir, err := dirOf(dirNode, name)
	if err != nil {
		return err
	}
	v.nsMu.Lock()
	defer v.nsMu.Unlock()
	if err := v.checkFree(dir, name); err != nil {
		return err
	}
	ino, err := v.df.CreateInode(storage.ModeDir | perms&07777)
	if err != nil {
		return err
	}
	if err := v.df.CreateDentry(dir.ino, name, ino); err != nil {
		v.df.DeleteInode(ino)
		return err
	}
	return nil
}

func (v *Volume) RemoveDir(dirNode vfs.Node, name string) error {
	dir, err := dirOf(dirNode, name)
	if err != nil {
		return err
	}
	v.nsMu.Lock()
	inode, err := v.child(dir, name)
	if err != nil {
		v.nsMu.Unlock()
		return err
	}
	if !inode.IsDir() {
		v.nsMu.Unlock()
		return common.ErrNotDir
	}
	busy, err := v.df.HasChildren(inode.Ino)
	if err == nil && busy {
		err = common.ErrNotEmpty
	}
	if err == nil {
		_, err = v.df.DeleteDentry(dir.ino, name)
	}
	v.nsMu.Unlock()
	if err != nil {
		return err
	}

	v.release(inode.Ino)
	return nil
}

// snapshotDir lists ".", ".." and the entries of dir ordered by name.
func (v *Volume) snapshotDir(dir *node) ([]vfs.DirEntry, error) {
	parent, err := v.parentOf(dir.ino)
	if err != nil {
		return nil, err
	}
	children, err := v.df.ListDir(dir.ino)
	if err != nil {
		return nil, err
	}
	entries := make([]vfs.DirEntry, 0, len(children)+2)
	entries = append(entries,
		vfs.DirEntry{Ino: dir.id(), Name: "."},
		vfs.DirEntry{Ino: vfs.NodeID(parent), Name: ".."})
	for _, c := range children {
		entries = append(entries, vfs.DirEntry{Ino: vfs.NodeID(c.Ino), Name: c.Name})
	}
	return entries, nil
}

func (v *Volume) OpenDir(n vfs.Node) (vfs.Cookie, error) {
	dir := asNode(n)
	if dir.typ != vfs.TypeDirectory {
		return nil, common.ErrNotDir
	}
	entries, err := v.snapshotDir(dir)
	if err != nil {
		return nil, err
	}
	return &dirCookie{entries: entries}, nil
}

func (v *Volume) CloseDir(vfs.Node, vfs.Cookie) error      { return nil }
func (v *Volume) FreeDirCookie(vfs.Node, vfs.Cookie) error { return nil }

func (v *Volume) ReadDir(_ vfs.Node, cookie vfs.Cookie, max int) ([]vfs.DirEntry, error) {
	return nextEntries(cookie.(*dirCookie), max), nil
}

func (v *Volume) RewindDir(n vfs.Node, cookie vfs.Cookie) error {
	entries, err := v.snapshotDir(asNode(n))
	if err != nil {
		return err
	}
	dc := cookie.(*dirCookie)
	dc.entries = entries
	dc.pos = 0
	return nil
}

func nextEntries(dc *dirCookie, max int) []vfs.DirEntry {
	end := min(dc.pos+max, len(dc.entries))
	out := append([]vfs.DirEntry(nil), dc.entries[dc.pos:end]...)
	dc.pos = end
	return out
}
