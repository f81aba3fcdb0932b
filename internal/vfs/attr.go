package vfs

import (
	"fsshell/internal/common"
)

var attrDirOps = fdOps{
	readDir: func(d *Descriptor, max int) ([]DirEntry, error) {
		entries, err := d.volume().ReadAttrDir(d.vnode.node, d.cookie, max)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			entries[i].Dev = d.vnode.mount.id
		}
		return entries, nil
	},
	rewindDir: func(d *Descriptor) error {
		return d.volume().RewindAttrDir(d.vnode.node, d.cookie)
	},
	readStat: vnodeReadStat,
	close: func(d *Descriptor) error {
		return d.volume().CloseAttrDir(d.vnode.node, d.cookie)
	},
	free: func(d *Descriptor) error {
		return d.volume().FreeAttrDirCookie(d.vnode.node, d.cookie)
	},
}

var attrOps = fdOps{
	read: func(d *Descriptor, pos int64, buf []byte) (int, error) {
		return d.volume().ReadAttr(d.vnode.node, d.cookie, pos, buf)
	},
	write: func(d *Descriptor, pos int64, buf []byte) (int, error) {
		return d.volume().WriteAttr(d.vnode.node, d.cookie, pos, buf)
	},
	readStat: func(d *Descriptor) (Stat, error) {
		st, err := d.volume().ReadAttrStat(d.vnode.node, d.cookie)
		if err != nil {
			return Stat{}, err
		}
		st.Dev = d.vnode.mount.id
		st.Ino = d.vnode.key.Node
		return st, nil
	},
	writeStat: func(d *Descriptor, st Stat, mask StatMask) error {
		if d.vnode.mount.flags&MountReadOnly != 0 {
			return common.ErrReadOnly
		}
		return d.volume().WriteAttrStat(d.vnode.node, d.cookie, st, mask)
	},
	close: func(d *Descriptor) error {
		return d.volume().CloseAttr(d.vnode.node, d.cookie)
	},
	free: func(d *Descriptor) error {
		return d.volume().FreeAttrCookie(d.vnode.node, d.cookie)
	},
}

// nodeOf returns a new reference to the node open as fd.
func (c *IOContext) nodeOf(fd int) (*Vnode, error) {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return nil, err
	}
	defer d.put()
	if d.vnode == nil || (d.typ != fdFile && d.typ != fdDir) {
		return nil, common.ErrInvalidHandle
	}
	c.s.incVnode(d.vnode)
	return d.vnode, nil
}

// OpenAttrDir opens the attribute directory of the node open as fd.
func (c *IOContext) OpenAttrDir(fd int) (int, error) {
	v, err := c.nodeOf(fd)
	if err != nil {
		return -1, err
	}
	cookie, err := v.mount.volume.OpenAttrDir(v.node)
	if err != nil {
		c.s.PutVnode(v)
		return -1, err
	}
	d := c.s.newDescriptor(fdAttrDir, v, nil, cookie, ORdOnly)
	afd, err := c.allocate(d, 0, false)
	if err != nil {
		d.discard()
		return -1, err
	}
	return afd, nil
}

// CreateAttr creates (or truncates) attribute name on the node open as fd.
func (c *IOContext) CreateAttr(fd int, name string, attrType uint32, mode OpenMode) (int, error) {
	if err := common.CheckName(name); err != nil {
		return -1, err
	}
	v, err := c.nodeOf(fd)
	if err != nil {
		return -1, err
	}
	if v.mount.flags&MountReadOnly != 0 {
		c.s.PutVnode(v)
		return -1, common.ErrReadOnly
	}
	cookie, err := v.mount.volume.CreateAttr(v.node, name, attrType, mode)
	if err != nil {
		c.s.PutVnode(v)
		return -1, err
	}
	return c.installAttr(v, cookie, mode)
}

// OpenAttr opens attribute name on the node open as fd.
func (c *IOContext) OpenAttr(fd int, name string, mode OpenMode) (int, error) {
	if err := common.CheckName(name); err != nil {
		return -1, err
	}
	v, err := c.nodeOf(fd)
	if err != nil {
		return -1, err
	}
	if mode.Writable() && v.mount.flags&MountReadOnly != 0 {
		c.s.PutVnode(v)
		return -1, common.ErrReadOnly
	}
	cookie, err := v.mount.volume.OpenAttr(v.node, name, mode)
	if err != nil {
		c.s.PutVnode(v)
		return -1, err
	}
	return c.installAttr(v, cookie, mode)
}

func (c *IOContext) installAttr(v *Vnode, cookie Cookie, mode OpenMode) (int, error) {
	d := c.s.newDescriptor(fdAttr, v, nil, cookie, mode)
	fd, err := c.allocate(d, 0, mode&OCloseOnExec != 0)
	if err != nil {
		d.discard()
		return -1, err
	}
	return fd, nil
}

// RemoveAttr deletes attribute name from the node open as fd.
func (c *IOContext) RemoveAttr(fd int, name string) error {
	v, err := c.nodeOf(fd)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(v)
	if v.mount.flags&MountReadOnly != 0 {
		return common.ErrReadOnly
	}
	return v.mount.volume.RemoveAttr(v.node, name)
}

// RenameAttr moves an attribute between nodes of the same mount.
func (c *IOContext) RenameAttr(fromFD int, fromName string, toFD int, toName string) error {
	if err := common.CheckName(toName); err != nil {
		return err
	}
	from, err := c.nodeOf(fromFD)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(from)
	to, err := c.nodeOf(toFD)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(to)
	if from.mount != to.mount {
		return common.ErrCrossDevice
	}
	if from.mount.flags&MountReadOnly != 0 {
		return common.ErrReadOnly
	}
	return from.mount.volume.RenameAttr(from.node, fromName, to.node, toName)
}
