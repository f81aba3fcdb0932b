package vfs

import (
	"fsshell/internal/common"
)

var indexDirOps = fdOps{
	readDir: func(d *Descriptor, max int) ([]DirEntry, error) {
		entries, err := d.mount.volume.ReadIndexDir(d.cookie, max)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			entries[i].Dev = d.mount.id
		}
		return entries, nil
	},
	rewindDir: func(d *Descriptor) error {
		return d.mount.volume.RewindIndexDir(d.cookie)
	},
	close: func(d *Descriptor) error {
		return d.mount.volume.CloseIndexDir(d.cookie)
	},
	free: func(d *Descriptor) error {
		return d.mount.volume.FreeIndexDirCookie(d.cookie)
	},
}

var queryOps = fdOps{
	readDir: func(d *Descriptor, max int) ([]DirEntry, error) {
		entries, err := d.mount.volume.ReadQuery(d.cookie, max)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			entries[i].Dev = d.mount.id
		}
		return entries, nil
	},
	rewindDir: func(d *Descriptor) error {
		return d.mount.volume.RewindQuery(d.cookie)
	},
	close: func(d *Descriptor) error {
		return d.mount.volume.CloseQuery(d.cookie)
	},
	free: func(d *Descriptor) error {
		return d.mount.volume.FreeQueryCookie(d.cookie)
	},
}

func (c *IOContext) openMountDescriptor(typ descriptorType, mountID MountID, open func(vol Volume) (Cookie, error)) (int, error) {
	m, err := c.s.GetMount(mountID)
	if err != nil {
		return -1, err
	}
	cookie, err := open(m.volume)
	if err != nil {
		c.s.PutMount(m)
		return -1, err
	}
	d := c.s.newDescriptor(typ, nil, m, cookie, ORdOnly)
	fd, err := c.allocate(d, 0, false)
	if err != nil {
		d.discard()
		return -1, err
	}
	return fd, nil
}

// OpenIndexDir opens the index directory of a mount.
func (c *IOContext) OpenIndexDir(mountID MountID) (int, error) {
	return c.openMountDescriptor(fdIndexDir, mountID, func(vol Volume) (Cookie, error) {
		return vol.OpenIndexDir()
	})
}

// OpenQuery starts a query on a mount. Iterate results with ReadDir.
func (c *IOContext) OpenQuery(mountID MountID, query string, flags uint32) (int, error) {
	if query == "" {
		return -1, common.ErrInvalidArgument
	}
	return c.openMountDescriptor(fdQuery, mountID, func(vol Volume) (Cookie, error) {
		return vol.OpenQuery(query, flags)
	})
}

func (s *State) withMount(mountID MountID, fn func(m *Mount) error) error {
	m, err := s.GetMount(mountID)
	if err != nil {
		return err
	}
	defer s.PutMount(m)
	return fn(m)
}

// CreateIndex adds an index to a mount.
func (s *State) CreateIndex(mountID MountID, name string, attrType, flags uint32) error {
	if err := common.CheckName(name); err != nil {
		return err
	}
	return s.withMount(mountID, func(m *Mount) error {
		if m.flags&MountReadOnly != 0 {
			return common.ErrReadOnly
		}
		return m.volume.CreateIndex(name, attrType, flags)
	})
}

// RemoveIndex drops an index.
func (s *State) RemoveIndex(mountID MountID, name string) error {
	return s.withMount(mountID, func(m *Mount) error {
		if m.flags&MountReadOnly != 0 {
			return common.ErrReadOnly
		}
		return m.volume.RemoveIndex(name)
	})
}

// StatIndex describes an index.
func (s *State) StatIndex(mountID MountID, name string) (Stat, error) {
	var st Stat
	err := s.withMount(mountID, func(m *Mount) error {
		var err error
		st, err = m.volume.ReadIndexStat(name)
		st.Dev = m.id
		return err
	})
	if err != nil {
		return Stat{}, err
	}
	return st, nil
}
