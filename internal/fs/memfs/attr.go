package memfs

import (
	"sort"
	"time"

	"fsshell/internal/common"
	"fsshell/internal/vfs"
)

type attr struct {
	typ  uint32
	data []byte
}

type attrCookie struct {
	name string
	mode vfs.OpenMode
}

type index struct {
	typ   uint32
	flags uint32
	ctime time.Time
}

// --- Attribute directory ---

func attrEntries(n *node) []vfs.DirEntry {
	names := make([]string, 0, len(n.attrs))
	for name := range n.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]vfs.DirEntry, len(names))
	for i, name := range names {
		entries[i] = vfs.DirEntry{Ino: n.id, Name: name}
	}
	return entries
}

func (v *Volume) OpenAttrDir(n vfs.Node) (vfs.Cookie, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return &dirCookie{entries: attrEntries(asNode(n))}, nil
}

func (v *Volume) CloseAttrDir(vfs.Node, vfs.Cookie) error      { return nil }
func (v *Volume) FreeAttrDirCookie(vfs.Node, vfs.Cookie) error { return nil }

func (v *Volume) ReadAttrDir(_ vfs.Node, cookie vfs.Cookie, max int) ([]vfs.DirEntry, error) {
	return nextEntries(cookie.(*dirCookie), max), nil
}

func (v *Volume) RewindAttrDir(n vfs.Node, cookie vfs.Cookie) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	dc := cookie.(*dirCookie)
	dc.entries = attrEntries(asNode(n))
	dc.pos = 0
	return nil
}

// --- Attribute ---

// CreateAttr creates name, or truncates it unless OExcl is set.
func (v *Volume) CreateAttr(n vfs.Node, name string, attrType uint32, mode vfs.OpenMode) (vfs.Cookie, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	nd := asNode(n)
	if a, ok := nd.attrs[name]; ok {
		if mode&vfs.OExcl != 0 {
			return nil, common.ErrExists
		}
		a.typ = attrType
		a.data = nil
	} else {
		if nd.attrs == nil {
			nd.attrs = make(map[string]*attr)
		}
		nd.attrs[name] = &attr{typ: attrType}
	}
	nd.ctime = time.Now()
	return &attrCookie{name: name, mode: mode}, nil
}

func (v *Volume) OpenAttr(n vfs.Node, name string, mode vfs.OpenMode) (vfs.Cookie, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := asNode(n).attrs[name]
	if !ok {
		return nil, common.ErrNotFound
	}
	if mode&vfs.OTrunc != 0 && mode.Writable() {
		a.data = nil
	}
	return &attrCookie{name: name, mode: mode}, nil
}

func (v *Volume) CloseAttr(vfs.Node, vfs.Cookie) error      { return nil }
func (v *Volume) FreeAttrCookie(vfs.Node, vfs.Cookie) error { return nil }

// attrOf finds the attribute behind a cookie. Caller holds v.mu.
func attrOf(n vfs.Node, cookie vfs.Cookie) (*attr, error) {
	a, ok := asNode(n).attrs[cookie.(*attrCookie).name]
	if !ok {
		// removed while open
		return nil, common.ErrNotFound
	}
	return a, nil
}

func (v *Volume) ReadAttr(n vfs.Node, cookie vfs.Cookie, pos int64, buf []byte) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, err := attrOf(n, cookie)
	if err != nil {
		return 0, err
	}
	if pos >= int64(len(a.data)) {
		return 0, nil
	}
	return copy(buf, a.data[pos:]), nil
}

func (v *Volume) WriteAttr(n vfs.Node, cookie vfs.Cookie, pos int64, buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, err := attrOf(n, cookie)
	if err != nil {
		return 0, err
	}
	if end := pos + int64(len(buf)); end > int64(len(a.data)) {
		a.data = append(a.data, make([]byte, end-int64(len(a.data)))...)
	}
	copy(a.data[pos:], buf)
	asNode(n).ctime = time.Now()
	return len(buf), nil
}

func (v *Volume) ReadAttrStat(n vfs.Node, cookie vfs.Cookie) (vfs.Stat, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, err := attrOf(n, cookie)
	if err != nil {
		return vfs.Stat{}, err
	}
	nd := asNode(n)
	return vfs.Stat{
		Type:     vfs.TypeFile,
		Mode:     nd.mode,
		Size:     int64(len(a.data)),
		AttrType: a.typ,
		Mtime:    nd.ctime,
	}, nil
}

func (v *Volume) WriteAttrStat(n vfs.Node, cookie vfs.Cookie, st vfs.Stat, mask vfs.StatMask) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, err := attrOf(n, cookie)
	if err != nil {
		return err
	}
	if mask&^vfs.StatSize != 0 {
		return common.ErrNotSupported
	}
	if st.Size < 0 {
		return common.ErrInvalidArgument
	}
	if st.Size <= int64(len(a.data)) {
		a.data = a.data[:st.Size]
	} else {
		a.data = append(a.data, make([]byte, st.Size-int64(len(a.data)))...)
	}
	return nil
}

func (v *Volume) RenameAttr(fromNode vfs.Node, fromName string, toNode vfs.Node, toName string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	from, to := asNode(fromNode), asNode(toNode)
	a, ok := from.attrs[fromName]
	if !ok {
		return common.ErrNotFound
	}
	delete(from.attrs, fromName)
	if to.attrs == nil {
		to.attrs = make(map[string]*attr)
	}
	to.attrs[toName] = a
	now := time.Now()
	from.ctime = now
	to.ctime = now
	return nil
}

func (v *Volume) RemoveAttr(n vfs.Node, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	nd := asNode(n)
	if _, ok := nd.attrs[name]; !ok {
		return common.ErrNotFound
	}
	delete(nd.attrs, name)
	nd.ctime = time.Now()
	return nil
}

// --- Indices ---

func (v *Volume) indexEntries() []vfs.DirEntry {
	names := make([]string, 0, len(v.indices))
	for name := range v.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]vfs.DirEntry, len(names))
	for i, name := range names {
		entries[i] = vfs.DirEntry{Name: name}
	}
	return entries
}

func (v *Volume) OpenIndexDir() (vfs.Cookie, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return &dirCookie{entries: v.indexEntries()}, nil
}

func (v *Volume) CloseIndexDir(vfs.Cookie) error      { return nil }
func (v *Volume) FreeIndexDirCookie(vfs.Cookie) error { return nil }

func (v *Volume) ReadIndexDir(cookie vfs.Cookie, max int) ([]vfs.DirEntry, error) {
	return nextEntries(cookie.(*dirCookie), max), nil
}

func (v *Volume) RewindIndexDir(cookie vfs.Cookie) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	dc := cookie.(*dirCookie)
	dc.entries = v.indexEntries()
	dc.pos = 0
	return nil
}

func (v *Volume) CreateIndex(name string, attrType uint32, flags uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.indices[name]; ok || name == "name" {
		return common.ErrExists
	}
	v.indices[name] = &index{typ: attrType, flags: flags, ctime: time.Now()}
	return nil
}

func (v *Volume) RemoveIndex(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.indices[name]; !ok {
		return common.ErrNotFound
	}
	delete(v.indices, name)
	return nil
}

// ReadIndexStat reports the number of nodes carrying the indexed attribute as Size.
func (v *Volume) ReadIndexStat(name string) (vfs.Stat, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	idx, ok := v.indices[name]
	if !ok {
		return vfs.Stat{}, common.ErrNotFound
	}
	var count int64
	for _, n := range v.nodes {
		if _, ok := n.attrs[name]; ok {
			count++
		}
	}
	return vfs.Stat{
		Type:     vfs.TypeFile,
		Size:     count,
		AttrType: idx.typ,
		Crtime:   idx.ctime,
		Mtime:    idx.ctime,
	}, nil
}
