package vfs

import (
	"errors"
	"fmt"

	"fsshell/internal/common"
)

var fileOps = fdOps{
	read: func(d *Descriptor, pos int64, buf []byte) (int, error) {
		return d.volume().Read(d.vnode.node, d.cookie, pos, buf)
	},
	write: func(d *Descriptor, pos int64, buf []byte) (int, error) {
		return d.volume().Write(d.vnode.node, d.cookie, pos, buf)
	},
	ioctl: func(d *Descriptor, op uint32, buf []byte) error {
		return d.volume().Ioctl(d.vnode.node, d.cookie, op, buf)
	},
	readStat:  vnodeReadStat,
	writeStat: vnodeWriteStat,
	close: func(d *Descriptor) error {
		return d.volume().Close(d.vnode.node, d.cookie)
	},
	free: func(d *Descriptor) error {
		return d.volume().FreeCookie(d.vnode.node, d.cookie)
	},
}

var dirOps = fdOps{
	readDir: func(d *Descriptor, max int) ([]DirEntry, error) {
		entries, err := d.volume().ReadDir(d.vnode.node, d.cookie, max)
		if err != nil {
			return nil, err
		}
		d.s.fixDirEntries(d.vnode, entries)
		return entries, nil
	},
	rewindDir: func(d *Descriptor) error {
		return d.volume().RewindDir(d.vnode.node, d.cookie)
	},
	readStat:  vnodeReadStat,
	writeStat: vnodeWriteStat,
	close: func(d *Descriptor) error {
		return d.volume().CloseDir(d.vnode.node, d.cookie)
	},
	free: func(d *Descriptor) error {
		return d.volume().FreeDirCookie(d.vnode.node, d.cookie)
	},
}

func vnodeReadStat(d *Descriptor) (Stat, error) {
	return d.s.statVnode(d.vnode)
}

func vnodeWriteStat(d *Descriptor, st Stat, mask StatMask) error {
	if d.vnode.mount.flags&MountReadOnly != 0 {
		return common.ErrReadOnly
	}
	return d.volume().WriteStat(d.vnode.node, st, mask)
}

// statVnode reads a node's stat and fills in the identity fields.
func (s *State) statVnode(v *Vnode) (Stat, error) {
	st, err := v.mount.volume.ReadStat(v.node)
	if err != nil {
		return Stat{}, err
	}
	st.Dev = v.mount.id
	st.Ino = v.key.Node
	st.Type = v.typ
	return st, nil
}

// fixDirEntries rewrites entries read from dir so they describe what path
// resolution would reach: ".." of a mount root names the covers side and a
// covered entry names the root mounted on it.
func (s *State) fixDirEntries(dir *Vnode, entries []DirEntry) {
	m := dir.mount
	for i := range entries {
		e := &entries[i]
		e.Dev = m.id

		if e.Name == ".." && m.root == dir && !m.covers.IsZero() {
			covers := s.refVnode(m.covers)
			if covers == nil {
				continue
			}
			if id, err := covers.mount.volume.Lookup(covers.node, ".."); err == nil {
				e.Dev = covers.mount.id
				e.Ino = id
			}
			s.PutVnode(covers)
			continue
		}

		s.vnodeMu.Lock()
		child := s.lookupVnode(VnodeKey{Mount: m.id, Node: e.Ino})
		s.vnodeMu.Unlock()
		if child == nil {
			continue
		}
		s.coverMu.RLock()
		key := child.coveredBy
		s.coverMu.RUnlock()
		if !key.IsZero() {
			e.Dev = key.Mount
			e.Ino = key.Node
		}
	}
}

// transfer runs one read or write. A pos of -1 uses and advances the shared
// offset; append writes start at the end of the node.
func (d *Descriptor) transfer(pos int64, appendWrite bool, op func(pos int64) (int, error)) (int, error) {
	if pos < -1 {
		return 0, common.ErrInvalidArgument
	}
	if pos != -1 {
		return op(pos)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	pos = d.pos
	if appendWrite && d.ops.readStat != nil {
		st, err := d.ops.readStat(d)
		if err != nil {
			return 0, err
		}
		pos = st.Size
	}
	n, err := op(pos)
	if n > 0 {
		d.pos = pos + int64(n)
	}
	return n, err
}

// Read reads into buf at pos, or at the descriptor offset when pos is -1.
func (c *IOContext) Read(fd int, pos int64, buf []byte) (int, error) {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return 0, err
	}
	defer d.put()
	if d.ops.read == nil {
		return 0, common.ErrNotSupported
	}
	if !d.openMode.Readable() {
		return 0, common.ErrInvalidHandle
	}
	return d.transfer(pos, false, func(pos int64) (int, error) {
		return d.ops.read(d, pos, buf)
	})
}

// Write writes buf at pos, or at the descriptor offset when pos is -1.
func (c *IOContext) Write(fd int, pos int64, buf []byte) (int, error) {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return 0, err
	}
	defer d.put()
	if d.ops.write == nil {
		return 0, common.ErrNotSupported
	}
	if err := d.checkWritable(); err != nil {
		return 0, err
	}
	return d.transfer(pos, d.openMode&OAppend != 0, func(pos int64) (int, error) {
		return d.ops.write(d, pos, buf)
	})
}

// ReadV fills bufs in order starting at pos. It stops at the first short read.
func (c *IOContext) ReadV(fd int, pos int64, bufs [][]byte) (int, error) {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return 0, err
	}
	defer d.put()
	if d.ops.read == nil {
		return 0, common.ErrNotSupported
	}
	if !d.openMode.Readable() {
		return 0, common.ErrInvalidHandle
	}
	return d.transfer(pos, false, func(pos int64) (int, error) {
		return vectored(pos, bufs, func(pos int64, buf []byte) (int, error) {
			return d.ops.read(d, pos, buf)
		})
	})
}

// WriteV writes bufs in order starting at pos.
func (c *IOContext) WriteV(fd int, pos int64, bufs [][]byte) (int, error) {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return 0, err
	}
	defer d.put()
	if d.ops.write == nil {
		return 0, common.ErrNotSupported
	}
	if err := d.checkWritable(); err != nil {
		return 0, err
	}
	return d.transfer(pos, d.openMode&OAppend != 0, func(pos int64) (int, error) {
		return vectored(pos, bufs, func(pos int64, buf []byte) (int, error) {
			return d.ops.write(d, pos, buf)
		})
	})
}

func vectored(pos int64, bufs [][]byte, op func(pos int64, buf []byte) (int, error)) (int, error) {
	var total int
	for _, buf := range bufs {
		if len(buf) == 0 {
			continue
		}
		n, err := op(pos, buf)
		total += n
		pos += int64(n)
		if err != nil {
			return total, err
		}
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

// Seek moves the descriptor offset and returns the new position.
func (c *IOContext) Seek(fd int, offset int64, whence int) (int64, error) {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return 0, err
	}
	defer d.put()
	if d.ops.read == nil && d.ops.write == nil {
		return 0, common.ErrNotSupported
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var base int64
	switch whence {
	case SeekSet:
	case SeekCur:
		base = d.pos
	case SeekEnd:
		if d.ops.readStat == nil {
			return 0, common.ErrNotSupported
		}
		st, err := d.ops.readStat(d)
		if err != nil {
			return 0, err
		}
		base = st.Size
	default:
		return 0, common.ErrInvalidArgument
	}
	pos := base + offset
	if pos < 0 {
		return 0, common.ErrInvalidArgument
	}
	d.pos = pos
	return pos, nil
}

// Ioctl passes a driver-defined control operation through.
func (c *IOContext) Ioctl(fd int, op uint32, buf []byte) error {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return err
	}
	defer d.put()
	if d.ops.ioctl == nil {
		return common.ErrNotSupported
	}
	return d.ops.ioctl(d, op, buf)
}

// ReadDir returns up to max entries of a directory, attribute directory,
// index directory or query. An empty result means the end.
func (c *IOContext) ReadDir(fd int, max int) ([]DirEntry, error) {
	if max <= 0 {
		return nil, common.ErrInvalidArgument
	}
	d, err := c.getDescriptor(fd)
	if err != nil {
		return nil, err
	}
	defer d.put()
	if d.ops.readDir == nil {
		return nil, common.ErrNotSupported
	}
	return d.ops.readDir(d, max)
}

// RewindDir restarts iteration.
func (c *IOContext) RewindDir(fd int) error {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return err
	}
	defer d.put()
	if d.ops.rewindDir == nil {
		return common.ErrNotSupported
	}
	return d.ops.rewindDir(d)
}

// Fstat reads the stat of the descriptor's node or attribute.
func (c *IOContext) Fstat(fd int) (Stat, error) {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return Stat{}, err
	}
	defer d.put()
	if d.ops.readStat == nil {
		return Stat{}, common.ErrNotSupported
	}
	return d.ops.readStat(d)
}

// FWriteStat changes the fields of st selected by mask.
func (c *IOContext) FWriteStat(fd int, st Stat, mask StatMask) error {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return err
	}
	defer d.put()
	if d.ops.writeStat == nil {
		return common.ErrNotSupported
	}
	if d.vnode != nil {
		if owner := d.vnode.lockedBy.Load(); owner != nil && owner != d {
			return common.ErrBusy
		}
	}
	return d.ops.writeStat(d, st, mask)
}

// Fsync flushes the descriptor's node.
func (c *IOContext) Fsync(fd int) error {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return err
	}
	defer d.put()
	if d.vnode == nil {
		return common.ErrNotSupported
	}
	return optional(d.volume().Fsync(d.vnode.node))
}

// LockNode makes fd the exclusive writer of its node.
func (c *IOContext) LockNode(fd int) error {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return err
	}
	defer d.put()
	if d.vnode == nil {
		return common.ErrNotSupported
	}
	if d.vnode.lockedBy.CompareAndSwap(nil, d) || d.vnode.lockedBy.Load() == d {
		return nil
	}
	return common.ErrBusy
}

// UnlockNode releases a LockNode.
func (c *IOContext) UnlockNode(fd int) error {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return err
	}
	defer d.put()
	if d.vnode == nil {
		return common.ErrNotSupported
	}
	if !d.vnode.lockedBy.CompareAndSwap(d, nil) {
		return fmt.Errorf("node not locked by descriptor %d: %w", fd, common.ErrInvalidArgument)
	}
	return nil
}

// isNotSupported reports whether a driver lacks a hook.
func isNotSupported(err error) bool {
	return errors.Is(err, common.ErrNotSupported)
}
