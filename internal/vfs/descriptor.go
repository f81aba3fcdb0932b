package vfs

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"fsshell/internal/common"
)

type descriptorType int

const (
	fdFile descriptorType = iota
	fdDir
	fdAttr
	fdAttrDir
	fdIndexDir
	fdQuery
)

func (t descriptorType) String() string {
	switch t {
	case fdFile:
		return "file"
	case fdDir:
		return "dir"
	case fdAttr:
		return "attr"
	case fdAttrDir:
		return "attr-dir"
	case fdIndexDir:
		return "index-dir"
	case fdQuery:
		return "query"
	default:
		return "unknown"
	}
}

// fdOps is the per-type dispatch table. A nil entry is ErrNotSupported.
type fdOps struct {
	read      func(d *Descriptor, pos int64, buf []byte) (int, error)
	write     func(d *Descriptor, pos int64, buf []byte) (int, error)
	ioctl     func(d *Descriptor, op uint32, buf []byte) error
	readDir   func(d *Descriptor, max int) ([]DirEntry, error)
	rewindDir func(d *Descriptor) error
	readStat  func(d *Descriptor) (Stat, error)
	writeStat func(d *Descriptor, st Stat, mask StatMask) error
	close     func(d *Descriptor) error
	free      func(d *Descriptor) error
}

// Descriptor is one open handle, shared by every table slot that refers to it.
type Descriptor struct {
	typ      descriptorType
	ops      *fdOps
	s        *State
	vnode    *Vnode // owner for file, dir, attr and attr-dir descriptors
	mount    *Mount // owner for index-dir and query descriptors
	cookie   Cookie
	openMode OpenMode

	mu  sync.Mutex
	pos int64

	refs         atomic.Int32
	opens        atomic.Int32
	disconnected atomic.Bool
	closed       atomic.Bool
	freed        atomic.Bool
}

// newDescriptor takes over the caller's reference to vnode, or its GetMount
// pin on mount.
func (s *State) newDescriptor(typ descriptorType, vnode *Vnode, mount *Mount, cookie Cookie, mode OpenMode) *Descriptor {
	return &Descriptor{
		typ:      typ,
		ops:      opsFor(typ),
		s:        s,
		vnode:    vnode,
		mount:    mount,
		cookie:   cookie,
		openMode: mode,
	}
}

func opsFor(typ descriptorType) *fdOps {
	switch typ {
	case fdFile:
		return &fileOps
	case fdDir:
		return &dirOps
	case fdAttr:
		return &attrOps
	case fdAttrDir:
		return &attrDirOps
	case fdIndexDir:
		return &indexDirOps
	case fdQuery:
		return &queryOps
	}
	log.Panicf("[VFS] no operations for descriptor type %d", typ)
	return nil
}

func (d *Descriptor) volume() Volume {
	if d.vnode != nil {
		return d.vnode.mount.volume
	}
	return d.mount.volume
}

func (d *Descriptor) ownerMount() *Mount {
	if d.vnode != nil {
		return d.vnode.mount
	}
	return d.mount
}

// put releases one reference. The last one frees the descriptor; for a
// disconnected descriptor the last non-slot reference does.
func (d *Descriptor) put() {
	n := d.refs.Add(-1)
	switch {
	case n == 0:
		d.closeOnce()
		d.freeOnce()
	case n < 0:
		log.Panicf("[VFS] put of unreferenced %s descriptor", d.typ)
	case d.disconnected.Load() && n == d.opens.Load():
		d.closeOnce()
		d.freeOnce()
	}
}

// closeSlot drops one table slot's open and reference.
func (d *Descriptor) closeSlot() error {
	var err error
	if d.opens.Add(-1) == 0 {
		err = d.closeOnce()
	}
	d.put()
	return err
}

// discard tears down a descriptor that never reached a table.
func (d *Descriptor) discard() {
	d.closeOnce()
	d.freeOnce()
}

func (d *Descriptor) closeOnce() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.vnode != nil {
		d.vnode.lockedBy.CompareAndSwap(d, nil)
	}
	if d.ops.close == nil {
		return nil
	}
	err := optional(d.ops.close(d))
	if err != nil {
		log.Warnf("[VFS] close of %s descriptor failed: %v", d.typ, err)
	}
	return err
}

func (d *Descriptor) freeOnce() {
	if !d.freed.CompareAndSwap(false, true) {
		return
	}
	if d.ops.free != nil {
		if err := optional(d.ops.free(d)); err != nil {
			log.Warnf("[VFS] free of %s descriptor failed: %v", d.typ, err)
		}
	}
	switch {
	case d.vnode != nil:
		d.s.PutVnode(d.vnode)
	case d.mount != nil:
		d.s.PutMount(d.mount)
	}
}

// disconnect makes the descriptor reject further use. Resources are released
// as soon as no call is in flight.
func (d *Descriptor) disconnect() bool {
	if !d.disconnected.CompareAndSwap(false, true) {
		return false
	}
	d.refs.Add(1)
	d.put()
	return true
}

func (d *Descriptor) checkWritable() error {
	if !d.openMode.Writable() {
		return common.ErrInvalidHandle
	}
	if d.ownerMount().flags&MountReadOnly != 0 {
		return common.ErrReadOnly
	}
	if d.vnode != nil {
		if owner := d.vnode.lockedBy.Load(); owner != nil && owner != d {
			return common.ErrBusy
		}
	}
	return nil
}
