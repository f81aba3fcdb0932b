package sqlfs

import (
	"errors"

	"fsshell/internal/common"
	"fsshell/internal/storage"
	"fsshell/internal/vfs"
)

type attrCookie struct {
	name string
	mode vfs.OpenMode
}

func (v *Volume) attrEntries(n *node) ([]vfs.DirEntry, error) {
	attrs, err := v.df.ListAttrs(n.ino)
	if err != nil {
		return nil, err
	}
	entries := make([]vfs.DirEntry, len(attrs))
	for i, a := range attrs {
		entries[i] = vfs.DirEntry{Ino: n.id(), Name: a.Name}
	}
	return entries, nil
}

// changed refreshes the ctime of ino.
func (v *Volume) changed(ino int64) error {
	return v.df.UpdateInode(ino, &storage.InodeUpdate{})
}

func (v *Volume) OpenAttrDir(n vfs.Node) (vfs.Cookie, error) {
	entries, err := v.attrEntries(asNode(n))
	if err != nil {
		return nil, err
	}
	return &dirCookie{entries: entries}, nil
}

func (v *Volume) CloseAttrDir(vfs.Node, vfs.Cookie) error      { return nil }
func (v *Volume) FreeAttrDirCookie(vfs.Node, vfs.Cookie) error { return nil }

func (v *Volume) ReadAttrDir(_ vfs.Node, cookie vfs.Cookie, max int) ([]vfs.DirEntry, error) {
	return nextEntries(cookie.(*dirCookie), max), nil
}

func (v *Volume) RewindAttrDir(n vfs.Node, cookie vfs.Cookie) error {
	entries, err := v.attrEntries(asNode(n))
	if err != nil {
		return err
	}
	dc := cookie.(*dirCookie)
	dc.entries = entries
	dc.pos = 0
	return nil
}

// CreateAttr creates name, or truncates it unless OExcl is set.
func (v *Volume) CreateAttr(n vfs.Node, name string, attrType uint32, mode vfs.OpenMode) (vfs.Cookie, error) {
	nd := asNode(n)
	if mode&vfs.OExcl != 0 {
		_, err := v.df.GetAttr(nd.ino, name)
		if err == nil {
			return nil, common.ErrExists
		}
		if !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
	}
	if err := v.df.SetAttr(nd.ino, storage.Attr{Name: name, Type: attrType}); err != nil {
		return nil, err
	}
	if err := v.changed(nd.ino); err != nil {
		return nil, err
	}
	return &attrCookie{name: name, mode: mode}, nil
}

func (v *Volume) OpenAttr(n vfs.Node, name string, mode vfs.OpenMode) (vfs.Cookie, error) {
	nd := asNode(n)
	a, err := v.df.GetAttr(nd.ino, name)
	if err != nil {
		return nil, err
	}
	if mode&vfs.OTrunc != 0 && mode.Writable() {
		if err := v.df.SetAttr(nd.ino, storage.Attr{Name: name, Type: a.Type}); err != nil {
			return nil, err
		}
	}
	return &attrCookie{name: name, mode: mode}, nil
}

func (v *Volume) CloseAttr(vfs.Node, vfs.Cookie) error      { return nil }
func (v *Volume) FreeAttrCookie(vfs.Node, vfs.Cookie) error { return nil }

func (v *Volume) ReadAttr(n vfs.Node, cookie vfs.Cookie, pos int64, buf []byte) (int, error) {
	a, err := v.df.GetAttr(asNode(n).ino, cookie.(*attrCookie).name)
	if err != nil {
		return 0, err
	}
	if pos >= int64(len(a.Data)) {
		return 0, nil
	}
	return copy(buf, a.Data[pos:]), nil
}

// WriteAttr rewrites the whole value; attributes are small.
func (v *Volume) WriteAttr(n vfs.Node, cookie vfs.Cookie, pos int64, buf []byte) (int, error) {
	nd := asNode(n)
	a, err := v.df.GetAttr(nd.ino, cookie.(*attrCookie).name)
	if err != nil {
		return 0, err
	}
	if end := pos + int64(len(buf)); end > int64(len(a.Data)) {
		a.Data = append(a.Data, make([]byte, end-int64(len(a.Data)))...)
	}
	copy(a.Data[pos:], buf)
	if err := v.df.SetAttr(nd.ino, *a); err != nil {
		return 0, err
	}
	if err := v.changed(nd.ino); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (v *Volume) ReadAttrStat(n vfs.Node, cookie vfs.Cookie) (vfs.Stat, error) {
	nd := asNode(n)
	a, err := v.df.GetAttr(nd.ino, cookie.(*attrCookie).name)
	if err != nil {
		return vfs.Stat{}, err
	}
	inode, err := v.df.GetInode(nd.ino)
	if err != nil {
		return vfs.Stat{}, err
	}
	return vfs.Stat{
		Type:     vfs.TypeFile,
		Mode:     inode.Mode & 07777,
		Size:     int64(len(a.Data)),
		AttrType: a.Type,
		Mtime:    inode.Ctime,
	}, nil
}

func (v *Volume) WriteAttrStat(n vfs.Node, cookie vfs.Cookie, st vfs.Stat, mask vfs.StatMask) error {
	if mask&^vfs.StatSize != 0 {
		return common.ErrNotSupported
	}
	if st.Size < 0 {
		return common.ErrInvalidArgument
	}
	nd := asNode(n)
	a, err := v.df.GetAttr(nd.ino, cookie.(*attrCookie).name)
	if err != nil {
		return err
	}
	if st.Size <= int64(len(a.Data)) {
		a.Data = a.Data[:st.Size]
	} else {
		a.Data = append(a.Data, make([]byte, st.Size-int64(len(a.Data)))...)
	}
	return v.df.SetAttr(nd.ino, *a)
}

func (v *Volume) RenameAttr(fromNode vfs.Node, fromName string, toNode vfs.Node, toName string) error {
	from, to := asNode(fromNode), asNode(toNode)
	if err := v.df.RenameAttr(from.ino, fromName, to.ino, toName); err != nil {
		return err
	}
	if err := v.changed(from.ino); err != nil {
		return err
	}
	return v.changed(to.ino)
}

func (v *Volume) RemoveAttr(n vfs.Node, name string) error {
	nd := asNode(n)
	if _, err := v.df.GetAttr(nd.ino, name); err != nil {
		return err
	}
	if err := v.df.RemoveAttr(nd.ino, name); err != nil {
		return err
	}
	return v.changed(nd.ino)
}
