package vfs

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"fsshell/internal/common"
)

// Open opens path and returns a descriptor slot.
func (c *IOContext) Open(path string, mode OpenMode, perms uint32) (int, error) {
	if mode&OCreate != 0 {
		return c.create(path, mode, perms)
	}
	v, err := c.Resolve(path, mode&ONoTraverse == 0)
	if err != nil {
		return -1, err
	}
	return c.openVnode(v, mode)
}

func (c *IOContext) create(path string, mode OpenMode, perms uint32) (int, error) {
	s := c.s
	dir, leaf, err := c.resolveDirAndLeaf(path)
	if err != nil {
		return -1, err
	}
	if common.IsDotName(leaf) {
		s.PutVnode(dir)
		if mode&OExcl != 0 {
			return -1, common.ErrExists
		}
		return c.Open(path, mode&^OCreate, perms)
	}

	vol := dir.mount.volume
	_, lerr := vol.Lookup(dir.node, leaf)
	switch {
	case lerr == nil:
		s.PutVnode(dir)
		if mode&OExcl != 0 {
			return -1, fmt.Errorf("%q: %w", path, common.ErrExists)
		}
		return c.Open(path, mode&^OCreate, perms)
	case !errors.Is(lerr, common.ErrNotFound):
		s.PutVnode(dir)
		return -1, lerr
	}
	defer s.PutVnode(dir)

	if dir.mount.flags&MountReadOnly != 0 {
		return -1, common.ErrReadOnly
	}
	if err := vol.Access(dir.node, AccessWrite); err != nil && !isNotSupported(err) {
		return -1, err
	}
	id, cookie, err := vol.Create(dir.node, leaf, mode, perms)
	if err != nil {
		return -1, fmt.Errorf("create %q: %w", path, err)
	}
	v := s.adoptVnode(dir.mount, id)
	if v == nil {
		log.Panicf("[VFS] created node %d:%d missing from the vnode table", dir.mount.id, id)
	}

	d := s.newDescriptor(fdFile, v, nil, cookie, mode)
	fd, err := c.allocate(d, 0, mode&OCloseOnExec != 0)
	if err != nil {
		d.discard()
		if uerr := vol.Unlink(dir.node, leaf); uerr != nil {
			log.Warnf("[VFS] unlink of %q after failed open: %v", path, uerr)
		}
		return -1, err
	}
	return fd, nil
}

// openVnode opens v and consumes its reference.
func (c *IOContext) openVnode(v *Vnode, mode OpenMode) (int, error) {
	s := c.s
	if v.typ == TypeDirectory {
		if mode.Writable() {
			s.PutVnode(v)
			return -1, common.ErrIsDir
		}
		return c.openDirVnode(v, mode)
	}
	if mode&ODirectory != 0 {
		s.PutVnode(v)
		return -1, common.ErrNotDir
	}

	vol := v.mount.volume
	if mode.Writable() || mode&OTrunc != 0 {
		if v.mount.flags&MountReadOnly != 0 {
			s.PutVnode(v)
			return -1, common.ErrReadOnly
		}
	}
	cookie, err := vol.Open(v.node, mode)
	if err != nil {
		s.PutVnode(v)
		return -1, err
	}
	d := s.newDescriptor(fdFile, v, nil, cookie, mode)
	if mode&OTrunc != 0 && mode.Writable() {
		if err := vol.WriteStat(v.node, Stat{Size: 0}, StatSize); err != nil {
			d.discard()
			return -1, err
		}
	}
	fd, err := c.allocate(d, 0, mode&OCloseOnExec != 0)
	if err != nil {
		d.discard()
		return -1, err
	}
	return fd, nil
}

func (c *IOContext) openDirVnode(v *Vnode, mode OpenMode) (int, error) {
	cookie, err := v.mount.volume.OpenDir(v.node)
	if err != nil {
		c.s.PutVnode(v)
		return -1, err
	}
	d := c.s.newDescriptor(fdDir, v, nil, cookie, mode&^OAccMode)
	fd, err := c.allocate(d, 0, mode&OCloseOnExec != 0)
	if err != nil {
		d.discard()
		return -1, err
	}
	return fd, nil
}

// OpenDir opens a directory for iteration.
func (c *IOContext) OpenDir(path string) (int, error) {
	v, err := c.Resolve(path, true)
	if err != nil {
		return -1, err
	}
	if v.typ != TypeDirectory {
		c.s.PutVnode(v)
		return -1, common.ErrNotDir
	}
	return c.openDirVnode(v, ORdOnly)
}

// writableDir resolves the parent of path for a namespace change.
func (c *IOContext) writableDir(path string) (*Vnode, string, error) {
	dir, leaf, err := c.resolveDirAndLeaf(path)
	if err != nil {
		return nil, "", err
	}
	if dir.mount.flags&MountReadOnly != 0 {
		c.s.PutVnode(dir)
		return nil, "", common.ErrReadOnly
	}
	if err := dir.mount.volume.Access(dir.node, AccessWrite); err != nil && !isNotSupported(err) {
		c.s.PutVnode(dir)
		return nil, "", err
	}
	return dir, leaf, nil
}

// Mkdir creates a directory.
func (c *IOContext) Mkdir(path string, perms uint32) error {
	dir, leaf, err := c.writableDir(path)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(dir)
	if common.IsDotName(leaf) {
		return common.ErrExists
	}
	return dir.mount.volume.CreateDir(dir.node, leaf, perms)
}

// Rmdir removes an empty directory.
func (c *IOContext) Rmdir(path string) error {
	dir, leaf, err := c.writableDir(path)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(dir)
	if common.IsDotName(leaf) {
		return fmt.Errorf("rmdir %q: %w", path, common.ErrInvalidArgument)
	}
	if err := c.s.checkNotMountPoint(dir, leaf); err != nil {
		return err
	}
	return dir.mount.volume.RemoveDir(dir.node, leaf)
}

// Unlink removes a non-directory entry.
func (c *IOContext) Unlink(path string) error {
	dir, leaf, err := c.writableDir(path)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(dir)
	if common.IsDotName(leaf) {
		return common.ErrIsDir
	}
	return dir.mount.volume.Unlink(dir.node, leaf)
}

// checkNotMountPoint fails ErrBusy if leaf in dir has a volume mounted on it.
func (s *State) checkNotMountPoint(dir *Vnode, leaf string) error {
	id, err := dir.mount.volume.Lookup(dir.node, leaf)
	if err != nil {
		return nil
	}
	s.vnodeMu.Lock()
	v := s.lookupVnode(VnodeKey{Mount: dir.mount.id, Node: id})
	s.vnodeMu.Unlock()
	if v == nil {
		return nil
	}
	s.coverMu.RLock()
	covered := !v.coveredBy.IsZero()
	s.coverMu.RUnlock()
	if covered {
		return common.ErrBusy
	}
	return nil
}

// Rename moves from to to within one mount.
func (c *IOContext) Rename(from, to string) error {
	fromDir, fromLeaf, err := c.writableDir(from)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(fromDir)
	toDir, toLeaf, err := c.writableDir(to)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(toDir)

	if common.IsDotName(fromLeaf) || common.IsDotName(toLeaf) {
		return fmt.Errorf("rename %q to %q: %w", from, to, common.ErrInvalidArgument)
	}
	if fromDir.mount != toDir.mount {
		return common.ErrCrossDevice
	}
	if err := c.s.checkNotMountPoint(fromDir, fromLeaf); err != nil {
		return err
	}
	if err := c.s.checkNotMountPoint(toDir, toLeaf); err != nil {
		return err
	}
	return fromDir.mount.volume.Rename(fromDir.node, fromLeaf, toDir.node, toLeaf)
}

// Link creates path as a hard link to target.
func (c *IOContext) Link(path, target string) error {
	v, err := c.Resolve(target, false)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(v)
	dir, leaf, err := c.writableDir(path)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(dir)
	if common.IsDotName(leaf) {
		return common.ErrExists
	}
	if dir.mount != v.mount {
		return common.ErrCrossDevice
	}
	return dir.mount.volume.Link(dir.node, leaf, v.node)
}

// Symlink creates path as a symbolic link pointing at target.
func (c *IOContext) Symlink(target, path string, perms uint32) error {
	if len(target) > common.MaxPathLength {
		return common.ErrNameTooLong
	}
	dir, leaf, err := c.writableDir(path)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(dir)
	if common.IsDotName(leaf) {
		return common.ErrExists
	}
	return dir.mount.volume.CreateSymlink(dir.node, leaf, target, perms)
}

// Readlink returns the target of a symbolic link.
func (c *IOContext) Readlink(path string) (string, error) {
	v, err := c.Resolve(path, false)
	if err != nil {
		return "", err
	}
	defer c.s.PutVnode(v)
	if v.typ != TypeSymlink {
		return "", fmt.Errorf("%q is not a symlink: %w", path, common.ErrInvalidArgument)
	}
	return v.mount.volume.ReadSymlink(v.node)
}

// Stat follows a trailing symlink; Lstat does not.
func (c *IOContext) Stat(path string) (Stat, error) {
	return c.stat(path, true)
}

// Lstat reads the stat of path without following a trailing symlink.
func (c *IOContext) Lstat(path string) (Stat, error) {
	return c.stat(path, false)
}

func (c *IOContext) stat(path string, traverse bool) (Stat, error) {
	v, err := c.Resolve(path, traverse)
	if err != nil {
		return Stat{}, err
	}
	defer c.s.PutVnode(v)
	return c.s.statVnode(v)
}

// WriteStat changes the fields of st selected by mask on path.
func (c *IOContext) WriteStat(path string, st Stat, mask StatMask, traverse bool) error {
	v, err := c.Resolve(path, traverse)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(v)
	if v.mount.flags&MountReadOnly != 0 {
		return common.ErrReadOnly
	}
	if owner := v.lockedBy.Load(); owner != nil {
		return common.ErrBusy
	}
	return v.mount.volume.WriteStat(v.node, st, mask)
}

// Access checks mode against path. Drivers without a check allow everything.
func (c *IOContext) Access(path string, mode AccessMode) error {
	v, err := c.Resolve(path, true)
	if err != nil {
		return err
	}
	defer c.s.PutVnode(v)
	if mode&AccessWrite != 0 && v.mount.flags&MountReadOnly != 0 {
		return common.ErrReadOnly
	}
	return optional(v.mount.volume.Access(v.node, mode))
}
