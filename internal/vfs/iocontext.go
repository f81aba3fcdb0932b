package vfs

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"fsshell/internal/common"
)

// IOContext is a descriptor table plus a current directory, the unit a
// process-like caller works through.
type IOContext struct {
	s  *State
	id uuid.UUID

	mu        sync.Mutex
	fds       []*Descriptor
	cloexec   *bitset.BitSet
	used      int
	cwd       *Vnode
	destroyed bool
}

// NewIOContext creates a context. With a parent, the table size, the
// descriptors not marked close-on-exec and the cwd are inherited; otherwise
// the cwd is the namespace root.
func (s *State) NewIOContext(parent *IOContext) (*IOContext, error) {
	c := &IOContext{s: s, id: uuid.New()}

	if parent != nil {
		parent.mu.Lock()
		if parent.destroyed {
			parent.mu.Unlock()
			return nil, fmt.Errorf("parent context: %w", common.ErrInvalidArgument)
		}
		size := len(parent.fds)
		c.fds = make([]*Descriptor, size)
		c.cloexec = bitset.New(uint(size))
		for i, d := range parent.fds {
			if d == nil || parent.cloexec.Test(uint(i)) || d.disconnected.Load() {
				continue
			}
			d.refs.Add(1)
			d.opens.Add(1)
			c.fds[i] = d
			c.used++
		}
		if parent.cwd != nil {
			s.incVnode(parent.cwd)
			c.cwd = parent.cwd
		}
		parent.mu.Unlock()
	} else {
		c.fds = make([]*Descriptor, s.cfg.DefaultFDTableSize)
		c.cloexec = bitset.New(uint(s.cfg.DefaultFDTableSize))
	}

	if c.cwd == nil {
		root, err := s.rootRef()
		if err != nil {
			for _, d := range c.fds {
				if d != nil {
					d.closeSlot()
				}
			}
			return nil, err
		}
		c.cwd = root
	}

	s.contexts.Store(c.id, c)
	log.Debugf("[VFS] context %s created (fds=%d inherited=%d)", c.id, len(c.fds), c.used)
	return c, nil
}

// ID returns the context id.
func (c *IOContext) ID() uuid.UUID { return c.id }

// State returns the owning VFS state.
func (c *IOContext) State() *State { return c.s }

// Destroy releases the cwd and closes every descriptor slot.
func (c *IOContext) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	cwd := c.cwd
	c.cwd = nil
	fds := c.fds
	c.fds = nil
	c.used = 0
	c.mu.Unlock()

	c.s.contexts.Delete(c.id)
	if cwd != nil {
		c.s.PutVnode(cwd)
	}
	for _, d := range fds {
		if d != nil {
			d.closeSlot()
		}
	}
	log.Debugf("[VFS] context %s destroyed", c.id)
}

// Exec closes every close-on-exec slot.
func (c *IOContext) Exec() {
	var closing []*Descriptor
	c.mu.Lock()
	for i, ok := c.cloexec.NextSet(0); ok; i, ok = c.cloexec.NextSet(i + 1) {
		if int(i) >= len(c.fds) {
			break
		}
		if d := c.fds[i]; d != nil {
			closing = append(closing, d)
			c.fds[i] = nil
			c.used--
		}
	}
	c.cloexec.ClearAll()
	c.mu.Unlock()

	for _, d := range closing {
		d.closeSlot()
	}
}

// TableSize returns the number of slots.
func (c *IOContext) TableSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fds)
}

// UsedDescriptors returns the number of occupied slots.
func (c *IOContext) UsedDescriptors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Resize changes the number of slots.
func (c *IOContext) Resize(n int) error {
	if n <= 0 || n > c.s.cfg.MaxFDTableSize {
		return fmt.Errorf("table size %d: %w", n, common.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return common.ErrInvalidHandle
	}
	for i := n; i < len(c.fds); i++ {
		if c.fds[i] != nil {
			return fmt.Errorf("slot %d in use: %w", i, common.ErrBusy)
		}
	}
	fds := make([]*Descriptor, n)
	copy(fds, c.fds)
	cloexec := bitset.New(uint(n))
	for i, ok := c.cloexec.NextSet(0); ok && int(i) < n; i, ok = c.cloexec.NextSet(i + 1) {
		cloexec.Set(i)
	}
	c.fds = fds
	c.cloexec = cloexec
	return nil
}

// allocate installs d in the lowest free slot at or above minFD.
func (c *IOContext) allocate(d *Descriptor, minFD int, cloexec bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return -1, common.ErrInvalidHandle
	}
	for fd := minFD; fd < len(c.fds); fd++ {
		if c.fds[fd] != nil {
			continue
		}
		d.refs.Add(1)
		d.opens.Add(1)
		c.fds[fd] = d
		c.cloexec.SetTo(uint(fd), cloexec)
		c.used++
		return fd, nil
	}
	return -1, common.ErrNoMoreFDs
}

// getDescriptor returns the descriptor in slot fd with a reference the caller
// must put.
func (c *IOContext) getDescriptor(fd int) (*Descriptor, error) {
	c.mu.Lock()
	if fd < 0 || fd >= len(c.fds) || c.fds[fd] == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("descriptor %d: %w", fd, common.ErrInvalidHandle)
	}
	d := c.fds[fd]
	d.refs.Add(1)
	c.mu.Unlock()

	if d.disconnected.Load() {
		d.put()
		return nil, fmt.Errorf("descriptor %d: %w", fd, common.ErrDisconnected)
	}
	return d, nil
}

// Close releases slot fd.
func (c *IOContext) Close(fd int) error {
	c.mu.Lock()
	if fd < 0 || fd >= len(c.fds) || c.fds[fd] == nil {
		c.mu.Unlock()
		return fmt.Errorf("descriptor %d: %w", fd, common.ErrInvalidHandle)
	}
	d := c.fds[fd]
	c.fds[fd] = nil
	c.cloexec.Clear(uint(fd))
	c.used--
	c.mu.Unlock()

	return d.closeSlot()
}

// Dup installs the descriptor of fd in the lowest free slot.
func (c *IOContext) Dup(fd int) (int, error) {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return -1, err
	}
	defer d.put()
	return c.allocate(d, 0, false)
}

// DupMin installs the descriptor of fd in the lowest free slot at or above
// minFD.
func (c *IOContext) DupMin(fd, minFD int) (int, error) {
	if minFD < 0 {
		return -1, fmt.Errorf("minimum descriptor %d: %w", minFD, common.ErrInvalidArgument)
	}
	d, err := c.getDescriptor(fd)
	if err != nil {
		return -1, err
	}
	defer d.put()
	return c.allocate(d, minFD, false)
}

// Dup2 makes fd2 refer to the descriptor of fd, closing what fd2 held.
func (c *IOContext) Dup2(fd, fd2 int) (int, error) {
	c.mu.Lock()
	if fd < 0 || fd >= len(c.fds) || c.fds[fd] == nil || fd2 < 0 || fd2 >= len(c.fds) {
		c.mu.Unlock()
		return -1, common.ErrInvalidHandle
	}
	if fd == fd2 {
		c.mu.Unlock()
		return fd2, nil
	}
	d := c.fds[fd]
	if d.disconnected.Load() {
		c.mu.Unlock()
		return -1, common.ErrDisconnected
	}
	evicted := c.fds[fd2]
	d.refs.Add(1)
	d.opens.Add(1)
	c.fds[fd2] = d
	c.cloexec.Clear(uint(fd2))
	if evicted == nil {
		c.used++
	}
	c.mu.Unlock()

	if evicted != nil {
		evicted.closeSlot()
	}
	return fd2, nil
}

// SetCloseOnExec sets or clears the close-on-exec flag of fd.
func (c *IOContext) SetCloseOnExec(fd int, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fd < 0 || fd >= len(c.fds) || c.fds[fd] == nil {
		return common.ErrInvalidHandle
	}
	c.cloexec.SetTo(uint(fd), on)
	return nil
}

// CloseOnExec reports the close-on-exec flag of fd.
func (c *IOContext) CloseOnExec(fd int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fd < 0 || fd >= len(c.fds) || c.fds[fd] == nil {
		return false, common.ErrInvalidHandle
	}
	return c.cloexec.Test(uint(fd)), nil
}

// cwdRef returns a new reference to the cwd.
func (c *IOContext) cwdRef() (*Vnode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cwd == nil {
		return nil, fmt.Errorf("no current directory: %w", common.ErrNotFound)
	}
	c.s.incVnode(c.cwd)
	return c.cwd, nil
}

// setCwd swaps in v, whose reference the context takes over.
func (c *IOContext) setCwd(v *Vnode) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		c.s.PutVnode(v)
		return common.ErrInvalidHandle
	}
	old := c.cwd
	c.cwd = v
	c.mu.Unlock()
	if old != nil {
		c.s.PutVnode(old)
	}
	return nil
}

// Chdir changes the current directory.
func (c *IOContext) Chdir(path string) error {
	v, err := c.Resolve(path, true)
	if err != nil {
		return err
	}
	if v.typ != TypeDirectory {
		c.s.PutVnode(v)
		return common.ErrNotDir
	}
	if err := v.mount.volume.Access(v.node, AccessExec); err != nil && !isNotSupported(err) {
		c.s.PutVnode(v)
		return err
	}
	return c.setCwd(v)
}

// Fchdir changes the current directory to the directory open as fd.
func (c *IOContext) Fchdir(fd int) error {
	d, err := c.getDescriptor(fd)
	if err != nil {
		return err
	}
	defer d.put()
	if d.typ != fdDir {
		return common.ErrNotDir
	}
	c.s.incVnode(d.vnode)
	return c.setCwd(d.vnode)
}

// Getcwd returns the absolute path of the current directory.
func (c *IOContext) Getcwd() (string, error) {
	v, err := c.cwdRef()
	if err != nil {
		return "", err
	}
	defer c.s.PutVnode(v)
	return c.s.VnodeToPath(v)
}

// Resolve returns a referenced vnode for path. Relative paths start at the
// cwd. Release the result with State.PutVnode.
func (c *IOContext) Resolve(path string, traverseLeaf bool) (*Vnode, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	var start *Vnode
	if path[0] != '/' {
		var err error
		if start, err = c.cwdRef(); err != nil {
			return nil, err
		}
	}
	return c.s.resolvePath(start, path, traverseLeaf)
}

func (c *IOContext) resolveDirAndLeaf(path string) (*Vnode, string, error) {
	if err := checkPath(path); err != nil {
		return nil, "", err
	}
	var start *Vnode
	if path[0] != '/' {
		var err error
		if start, err = c.cwdRef(); err != nil {
			return nil, "", err
		}
	}
	return c.s.resolveDirAndLeaf(start, path)
}

// disconnectMount detaches descriptors owned by m and moves a cwd on m to the
// namespace root. It returns how many descriptors it disconnected.
func (c *IOContext) disconnectMount(m *Mount) int {
	var (
		victims []*Descriptor
		oldCwd  *Vnode
	)
	c.mu.Lock()
	for _, d := range c.fds {
		if d != nil && d.ownerMount() == m {
			victims = append(victims, d)
		}
	}
	if c.cwd != nil && c.cwd.mount == m {
		oldCwd = c.cwd
		c.cwd = nil
		if !m.covers.IsZero() {
			c.cwd, _ = c.s.rootRef()
		}
	}
	c.mu.Unlock()

	n := 0
	for _, d := range victims {
		if d.disconnect() {
			n++
		}
	}
	if oldCwd != nil {
		c.s.PutVnode(oldCwd)
	}
	return n
}
