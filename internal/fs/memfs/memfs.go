// Package memfs is an in-memory filesystem driver. It is mounted at "/" by
// the harness and backs every test of the VFS core.
package memfs

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fsshell/internal/common"
	"fsshell/internal/vfs"
)

// Name is the registered filesystem name.
const Name = "memfs"

// RootID is the node id of every memfs root directory.
const RootID vfs.NodeID = 1

// Ioctl operations.
const (
	// IoctlGetSize writes the file size as a little-endian uint64 into buf
	IoctlGetSize uint32 = 1
)

// FileSystem creates memfs volumes.
type FileSystem struct{}

// New returns the memfs driver.
func New() *FileSystem { return &FileSystem{} }

func (*FileSystem) Name() string { return Name }

// Mount creates an empty volume. args may carry "name=<volume name>".
func (*FileSystem) Mount(host *vfs.Host, device string, flags vfs.MountFlags, args string) (vfs.Volume, vfs.NodeID, error) {
	v := &Volume{
		host:    host,
		name:    volumeName(args),
		nodes:   make(map[vfs.NodeID]*node),
		indices: make(map[string]*index),
		nextID:  RootID + 1,
	}
	root := v.newNode(RootID, vfs.TypeDirectory, 0755)
	root.nlink = 2
	root.parent = root
	v.nodes[RootID] = root
	v.root = root

	if err := host.PublishVnode(RootID, root, vfs.TypeDirectory); err != nil {
		return nil, 0, err
	}
	log.Debugf("[memfs] mounted volume %q as %d", v.name, host.MountID())
	return v, RootID, nil
}

func volumeName(args string) string {
	for _, kv := range strings.Split(args, ",") {
		if name, ok := strings.CutPrefix(strings.TrimSpace(kv), "name="); ok && name != "" {
			return name
		}
	}
	return Name
}

type node struct {
	id     vfs.NodeID
	typ    vfs.NodeType
	mode   uint32
	uid    uint32
	gid    uint32
	nlink  uint32
	atime  time.Time
	mtime  time.Time
	ctime  time.Time
	crtime time.Time

	// directories
	parent   *node
	name     string
	children map[string]*node

	data   []byte
	target string
	attrs  map[string]*attr
}

type fileCookie struct {
	mode vfs.OpenMode
}

type dirCookie struct {
	entries []vfs.DirEntry
	pos     int
}

// Volume is one mounted memfs instance.
type Volume struct {
	vfs.UnimplementedVolume

	host *vfs.Host

	mu      sync.RWMutex
	name    string
	nodes   map[vfs.NodeID]*node
	root    *node
	nextID  vfs.NodeID
	indices map[string]*index
}

var _ vfs.Volume = (*Volume)(nil)

func (v *Volume) newNode(id vfs.NodeID, typ vfs.NodeType, perms uint32) *node {
	now := time.Now()
	n := &node{
		id:     id,
		typ:    typ,
		mode:   perms & 07777,
		nlink:  1,
		atime:  now,
		mtime:  now,
		ctime:  now,
		crtime: now,
	}
	if typ == vfs.TypeDirectory {
		n.children = make(map[string]*node)
	}
	return n
}

// allocNode creates and registers a node. Caller holds v.mu.
func (v *Volume) allocNode(typ vfs.NodeType, perms uint32) *node {
	n := v.newNode(v.nextID, typ, perms)
	v.nextID++
	v.nodes[n.id] = n
	return n
}

func asNode(n vfs.Node) *node {
	return n.(*node)
}

// dirOf validates a directory node and a new entry name. Caller holds v.mu.
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

func (n *node) touch() {
	now := time.Now()
	n.mtime = now
	n.ctime = now
}

// release hands a node whose last link went away back to the vnode cache,
// which calls RemoveVnode once every reference is gone. Must be called
// without v.mu held.
func (v *Volume) release(id vfs.NodeID) {
	if _, err := v.host.GetVnode(id); err != nil {
		log.Warnf("[memfs] release of node %d: %v", id, err)
		v.mu.Lock()
		delete(v.nodes, id)
		v.mu.Unlock()
		return
	}
	if err := v.host.RemoveVnode(id); err != nil {
		log.Warnf("[memfs] remove of node %d: %v", id, err)
	}
	if err := v.host.PutVnode(id); err != nil {
		log.Warnf("[memfs] put of node %d: %v", id, err)
	}
}

// --- Volume ---

func (v *Volume) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	log.Debugf("[memfs] unmounting %q with %d nodes", v.name, len(v.nodes))
	v.nodes = nil
	v.indices = nil
	return nil
}

func (v *Volume) Sync() error { return nil }

func (v *Volume) ReadFsInfo(info *vfs.FsInfo) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var bytes int64
	for _, n := range v.nodes {
		bytes += int64(len(n.data))
	}
	info.BlockSize = 4096
	info.TotalBlocks = (bytes + info.BlockSize - 1) / info.BlockSize
	info.TotalNodes = int64(len(v.nodes))
	info.VolumeName = v.name
	return nil
}

func (v *Volume) WriteFsInfo(info vfs.FsInfo, mask vfs.FsInfoMask) error {
	if mask&vfs.FsInfoName != 0 {
		if info.VolumeName == "" {
			return common.ErrInvalidArgument
		}
		v.mu.Lock()
		v.name = info.VolumeName
		v.mu.Unlock()
	}
	return nil
}

// --- Node ---

func (v *Volume) Lookup(dirNode vfs.Node, name string) (vfs.NodeID, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	dir := asNode(dirNode)
	if dir.typ != vfs.TypeDirectory {
		return 0, common.ErrNotDir
	}
	switch name {
	case ".":
		return dir.id, nil
	case "..":
		return dir.parent.id, nil
	}
	child, ok := dir.children[name]
	if !ok {
		return 0, common.ErrNotFound
	}
	return child.id, nil
}

func (v *Volume) GetVnodeName(n vfs.Node) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	nd := asNode(n)
	if nd.typ != vfs.TypeDirectory || nd == v.root {
		return "", common.ErrNotFound
	}
	return nd.name, nil
}

func (v *Volume) GetVnode(id vfs.NodeID) (vfs.Node, vfs.NodeType, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.nodes[id]
	if !ok {
		return nil, vfs.TypeUnknown, fmt.Errorf("memfs node %d: %w", id, common.ErrNotFound)
	}
	return n, n.typ, nil
}

func (v *Volume) PutVnode(vfs.Node) error { return nil }

func (v *Volume) RemoveVnode(n vfs.Node) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	nd := asNode(n)
	if v.nodes[nd.id] == nd {
		delete(v.nodes, nd.id)
	}
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[memfs] removed node %d", nd.id)
	}
	return nil
}

func (v *Volume) ReadStat(n vfs.Node) (vfs.Stat, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	nd := asNode(n)
	st := vfs.Stat{
		Type:   nd.typ,
		Mode:   nd.mode,
		Nlink:  nd.nlink,
		UID:    nd.uid,
		GID:    nd.gid,
		Atime:  nd.atime,
		Mtime:  nd.mtime,
		Ctime:  nd.ctime,
		Crtime: nd.crtime,
	}
	switch nd.typ {
	case vfs.TypeFile:
		st.Size = int64(len(nd.data))
	case vfs.TypeSymlink:
		st.Size = int64(len(nd.target))
	}
	return st, nil
}

func (v *Volume) WriteStat(n vfs.Node, st vfs.Stat, mask vfs.StatMask) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	nd := asNode(n)
	if mask&vfs.StatSize != 0 {
		if nd.typ != vfs.TypeFile {
			return common.ErrIsDir
		}
		if st.Size < 0 {
			return common.ErrInvalidArgument
		}
		resize(nd, st.Size)
		nd.mtime = time.Now()
	}
	if mask&vfs.StatMode != 0 {
		nd.mode = st.Mode & 07777
	}
	if mask&vfs.StatUID != 0 {
		nd.uid = st.UID
	}
	if mask&vfs.StatGID != 0 {
		nd.gid = st.GID
	}
	if mask&vfs.StatAtime != 0 {
		nd.atime = st.Atime
	}
	if mask&vfs.StatMtime != 0 {
		nd.mtime = st.Mtime
	}
	if mask&vfs.StatCrtime != 0 {
		nd.crtime = st.Crtime
	}
	nd.ctime = time.Now()
	return nil
}

func resize(n *node, size int64) {
	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
		return
	}
	n.data = append(n.data, make([]byte, size-int64(len(n.data)))...)
}

// Access checks the permission bits of any class.
func (v *Volume) Access(n vfs.Node, mode vfs.AccessMode) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	perms := asNode(n).mode
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

func (v *Volume) Fsync(vfs.Node) error { return nil }

// --- File ---

func (v *Volume) Create(dirNode vfs.Node, name string, mode vfs.OpenMode, perms uint32) (vfs.NodeID, vfs.Cookie, error) {
	v.mu.Lock()
	dir, err := dirOf(dirNode, name)
	if err != nil {
		v.mu.Unlock()
		return 0, nil, err
	}
	if _, ok := dir.children[name]; ok {
		v.mu.Unlock()
		return 0, nil, common.ErrExists
	}
	n := v.allocNode(vfs.TypeFile, perms)
	dir.children[name] = n
	dir.touch()
	v.mu.Unlock()

	if err := v.host.PublishVnode(n.id, n, vfs.TypeFile); err != nil {
		v.mu.Lock()
		delete(dir.children, name)
		delete(v.nodes, n.id)
		v.mu.Unlock()
		return 0, nil, err
	}
	return n.id, &fileCookie{mode: mode}, nil
}

func (v *Volume) Open(n vfs.Node, mode vfs.OpenMode) (vfs.Cookie, error) {
	return &fileCookie{mode: mode}, nil
}

func (v *Volume) Close(vfs.Node, vfs.Cookie) error      { return nil }
func (v *Volume) FreeCookie(vfs.Node, vfs.Cookie) error { return nil }

func (v *Volume) Read(n vfs.Node, _ vfs.Cookie, pos int64, buf []byte) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	nd := asNode(n)
	if nd.typ == vfs.TypeDirectory {
		return 0, common.ErrIsDir
	}
	if pos >= int64(len(nd.data)) {
		return 0, nil
	}
	return copy(buf, nd.data[pos:]), nil
}

func (v *Volume) Write(n vfs.Node, _ vfs.Cookie, pos int64, buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	nd := asNode(n)
	if nd.typ == vfs.TypeDirectory {
		return 0, common.ErrIsDir
	}
	if end := pos + int64(len(buf)); end > int64(len(nd.data)) {
		resize(nd, end)
	}
	copy(nd.data[pos:], buf)
	nd.touch()
	return len(buf), nil
}

func (v *Volume) Ioctl(n vfs.Node, _ vfs.Cookie, op uint32, buf []byte) error {
	switch op {
	case IoctlGetSize:
		if len(buf) < 8 {
			return common.ErrInvalidArgument
		}
		v.mu.RLock()
		size := len(asNode(n).data)
		v.mu.RUnlock()
		binary.LittleEndian.PutUint64(buf, uint64(size))
		return nil
	default:
		return common.ErrInvalidArgument
	}
}

func (v *Volume) ReadSymlink(n vfs.Node) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	nd := asNode(n)
	if nd.typ != vfs.TypeSymlink {
		return "", common.ErrInvalidArgument
	}
	return nd.target, nil
}

func (v *Volume) CreateSymlink(dirNode vfs.Node, name, target string, perms uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	dir, err := dirOf(dirNode, name)
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok {
		return common.ErrExists
	}
	n := v.allocNode(vfs.TypeSymlink, perms)
	n.target = target
	dir.children[name] = n
	dir.touch()
	return nil
}

func (v *Volume) Link(dirNode vfs.Node, name string, target vfs.Node) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	dir, err := dirOf(dirNode, name)
	if err != nil {
		return err
	}
	n := asNode(target)
	if n.typ == vfs.TypeDirectory {
		return common.ErrPermission
	}
	if _, ok := dir.children[name]; ok {
		return common.ErrExists
	}
	dir.children[name] = n
	n.nlink++
	n.ctime = time.Now()
	dir.touch()
	return nil
}

func (v *Volume) Unlink(dirNode vfs.Node, name string) error {
	v.mu.Lock()
	dir, err := dirOf(dirNode, name)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	n, ok := dir.children[name]
	if !ok {
		v.mu.Unlock()
		return common.ErrNotFound
	}
	if n.typ == vfs.TypeDirectory {
		v.mu.Unlock()
		return common.ErrIsDir
	}
	delete(dir.children, name)
	dir.touch()
	n.nlink--
	n.ctime = time.Now()
	last := n.nlink == 0
	v.mu.Unlock()

	if last {
		v.release(n.id)
	}
	return nil
}

// isAncestor reports whether a is b or one of b's ancestors. Caller holds v.mu.
func isAncestor(a, b *node) bool {
	for n := b; ; n = n.parent {
		if n == a {
			return true
		}
		if n.parent == n {
			return false
		}
	}
}

func (v *Volume) Rename(fromDir vfs.Node, fromName string, toDir vfs.Node, toName string) error {
	v.mu.Lock()
	src, err := dirOf(fromDir, fromName)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	dst, err := dirOf(toDir, toName)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	n, ok := src.children[fromName]
	if !ok {
		v.mu.Unlock()
		return common.ErrNotFound
	}
	if n.typ == vfs.TypeDirectory && isAncestor(n, dst) {
		v.mu.Unlock()
		return common.ErrInvalidArgument
	}

	var replaced *node
	if old, ok := dst.children[toName]; ok {
		if old == n {
			v.mu.Unlock()
			return nil
		}
		switch {
		case old.typ == vfs.TypeDirectory && n.typ != vfs.TypeDirectory:
			v.mu.Unlock()
			return common.ErrIsDir
		case old.typ != vfs.TypeDirectory && n.typ == vfs.TypeDirectory:
			v.mu.Unlock()
			return common.ErrNotDir
		case old.typ == vfs.TypeDirectory && len(old.children) > 0:
			v.mu.Unlock()
			return common.ErrNotEmpty
		}
		if old.typ == vfs.TypeDirectory {
			old.nlink = 0
			dst.nlink--
		} else {
			old.nlink--
		}
		if old.nlink == 0 {
			replaced = old
		}
	}

	delete(src.children, fromName)
	dst.children[toName] = n
	if n.typ == vfs.TypeDirectory {
		n.name = toName
		if src != dst {
			n.parent = dst
			src.nlink--
			dst.nlink++
		}
	}
	n.ctime = time.Now()
	src.touch()
	dst.touch()
	v.mu.Unlock()

	if replaced != nil {
		v.release(replaced.id)
	}
	return nil
}

// --- Directory ---

func (v *Volume) CreateDir(dirNode vfs.Node, name string, perms uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	dir, err := dirOf(dirNode, name)
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok {
		return common.ErrExists
	}
	n := v.allocNode(vfs.TypeDirectory, perms)
	n.nlink = 2
	n.parent = dir
	n.name = name
	dir.children[name] = n
	dir.nlink++
	dir.touch()
	return nil
}

func (v *Volume) RemoveDir(dirNode vfs.Node, name string) error {
	v.mu.Lock()
	dir, err := dirOf(dirNode, name)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	n, ok := dir.children[name]
	if !ok {
		v.mu.Unlock()
		return common.ErrNotFound
	}
	if n.typ != vfs.TypeDirectory {
		v.mu.Unlock()
		return common.ErrNotDir
	}
	if len(n.children) > 0 {
		v.mu.Unlock()
		return common.ErrNotEmpty
	}
	delete(dir.children, name)
	dir.nlink--
	dir.touch()
	n.nlink = 0
	v.mu.Unlock()

	v.release(n.id)
	return nil
}

// snapshotDir lists ".", ".." and the children sorted by name. Caller holds v.mu.
func snapshotDir(dir *node) []vfs.DirEntry {
	entries := make([]vfs.DirEntry, 0, len(dir.children)+2)
	entries = append(entries,
		vfs.DirEntry{Ino: dir.id, Name: "."},
		vfs.DirEntry{Ino: dir.parent.id, Name: ".."})
	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entries = append(entries, vfs.DirEntry{Ino: dir.children[name].id, Name: name})
	}
	return entries
}

func (v *Volume) OpenDir(n vfs.Node) (vfs.Cookie, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	dir := asNode(n)
	if dir.typ != vfs.TypeDirectory {
		return nil, common.ErrNotDir
	}
	return &dirCookie{entries: snapshotDir(dir)}, nil
}

func (v *Volume) CloseDir(vfs.Node, vfs.Cookie) error    { return nil }
func (v *Volume) FreeDirCookie(vfs.Node, vfs.Cookie) error { return nil }

func (v *Volume) ReadDir(_ vfs.Node, cookie vfs.Cookie, max int) ([]vfs.DirEntry, error) {
	return nextEntries(cookie.(*dirCookie), max), nil
}

func (v *Volume) RewindDir(n vfs.Node, cookie vfs.Cookie) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	dc := cookie.(*dirCookie)
	dc.entries = snapshotDir(asNode(n))
	dc.pos = 0
	return nil
}

// nextEntries pages through a snapshot. An empty result marks the end.
func nextEntries(dc *dirCookie, max int) []vfs.DirEntry {
	end := min(dc.pos+max, len(dc.entries))
	out := append([]vfs.DirEntry(nil), dc.entries[dc.pos:end]...)
	dc.pos = end
	return out
}
