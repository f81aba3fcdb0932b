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

package vfs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"fsshell/internal/common"
	"fsshell/internal/util"
)

// Vnode is the in-memory representative of one node.
type Vnode struct {
	key   VnodeKey // guarded by State.vnodeMu (ChangeVnodeID)
	mount *Mount
	node  Node
	typ   NodeType
	refs  atomic.Int32

	// guarded by State.vnodeMu
	busy        bool
	unpublished bool
	remove      bool

	// guarded by State.coverMu
	coveredBy VnodeKey

	lockedBy atomic.Pointer[Descriptor]
}

// Key returns the vnode identity.
func (v *Vnode) Key() VnodeKey { return v.key }

// ID returns the node id within its mount.
func (v *Vnode) ID() NodeID { return v.key.Node }

// MountID returns the id of the owning mount.
func (v *Vnode) MountID() MountID { return v.key.Mount }

// Type returns the node type resolved by the driver.
func (v *Vnode) Type() NodeType { return v.typ }

// Node returns the driver's private handle.
func (v *Vnode) Node() Node { return v.node }

// RefCount returns the current reference count.
func (v *Vnode) RefCount() int32 { return v.refs.Load() }

func (v *Vnode) String() string {
	return fmt.Sprintf("vnode(%d:%d)", v.key.Mount, v.key.Node)
}

// errVnodeBusy is retried by GetVnode until the back-off budget runs out.
var errVnodeBusy = fmt.Errorf("vnode busy: %w", common.ErrBusy)

func isVnodeBusy(err error) bool {
	return err == errVnodeBusy
}

func errNotFound(m MountID, id NodeID) error {
	return fmt.Errorf("vnode %d:%d: %w", m, id, common.ErrNotFound)
}

// GetVnode returns a referenced vnode for (mountID, id), loading it through
// the driver if it is not cached. Pair every successful call with PutVnode.
func (s *State) GetVnode(mountID MountID, id NodeID) (*Vnode, error) {
	m, err := s.lookupMount(mountID)
	if err != nil {
		return nil, err
	}
	return s.getVnode(m, id)
}

func (s *State) getVnode(m *Mount, id NodeID) (*Vnode, error) {
	ctx := context.Background()
	v, err := util.RetryWithResult(ctx, func() (*Vnode, error) {
		return s.tryGetVnode(m, id)
	}, util.BusyRetryOptions(ctx, s.cfg.BusyRetry, isVnodeBusy)...)
	if err != nil {
		if isVnodeBusy(err) {
			log.Warnf("[VFS] gave up waiting for busy vnode %d:%d", m.id, id)
		}
		return nil, err
	}
	return v, nil
}

func (s *State) tryGetVnode(m *Mount, id NodeID) (*Vnode, error) {
	key := VnodeKey{Mount: m.id, Node: id}

	s.vnodeMu.Lock()
	if v := s.vnodes[key]; v != nil {
		if v.busy {
			s.vnodeMu.Unlock()
			return nil, errVnodeBusy
		}
		if v.refs.Add(1) == 1 {
			s.unused.Remove(key)
		}
		s.vnodeMu.Unlock()
		return v, nil
	}
	if m.unmounting.Load() {
		s.vnodeMu.Unlock()
		return nil, fmt.Errorf("mount %d is unmounting: %w", m.id, common.ErrNotFound)
	}
	v := &Vnode{key: key, mount: m, busy: true}
	v.refs.Store(1)
	s.vnodes[key] = v
	m.addVnode(v)
	s.vnodeMu.Unlock()

	node, typ, err := m.volume.GetVnode(id)

	s.vnodeMu.Lock()
	if err != nil {
		delete(s.vnodes, v.key)
		m.removeVnode(v)
		s.vnodeMu.Unlock()
		if errors.Is(err, common.ErrNotSupported) {
			err = common.ErrNotFound
		}
		return nil, fmt.Errorf("get vnode %d:%d: %w", m.id, id, err)
	}
	v.node = node
	v.typ = typ
	v.busy = false
	s.vnodeMu.Unlock()

	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[VFS] loaded %s type=%s", v, typ)
	}
	return v, nil
}

// lookupVnode returns the cached vnode without touching its reference count.
// Caller holds vnodeMu.
func (s *State) lookupVnode(key VnodeKey) *Vnode {
	return s.vnodes[key]
}

// refVnode takes a reference on a cached, non-busy vnode. It returns nil if
// the vnode is absent or busy.
func (s *State) refVnode(key VnodeKey) *Vnode {
	s.vnodeMu.Lock()
	defer s.vnodeMu.Unlock()
	v := s.vnodes[key]
	if v == nil || v.busy {
		return nil
	}
	if v.refs.Add(1) == 1 {
		s.unused.Remove(key)
	}
	return v
}

// incVnode adds a reference to a vnode the caller already holds a reference to.
func (s *State) incVnode(v *Vnode) {
	v.refs.Add(1)
}

// PutVnode releases one reference. The last reference either parks the vnode
// on the unused list or, if it was removed, destroys it.
func (s *State) PutVnode(v *Vnode) {
	s.vnodeMu.Lock()
	n := v.refs.Add(-1)
	if n < 0 {
		s.vnodeMu.Unlock()
		log.Panicf("[VFS] put of unreferenced %s", v)
	}
	if n > 0 {
		s.vnodeMu.Unlock()
		return
	}
	if v.busy {
		// parked when the driver clears the busy flag
		s.vnodeMu.Unlock()
		log.Warnf("[VFS] last reference to busy %s dropped", v)
		return
	}

	victim := s.releaseLocked(v)
	s.vnodeMu.Unlock()
	if victim != nil {
		s.freeVnode(victim, victim.remove)
	}
}

// releaseLocked handles a vnode with no references left. A removed vnode is
// unhashed, anything else goes on the unused list. It returns the vnode the
// caller must free once vnodeMu is released, or nil. Caller holds vnodeMu.
func (s *State) releaseLocked(v *Vnode) *Vnode {
	if v.remove {
		v.busy = true
		s.unhashVnode(v)
		return v
	}
	evicted, ok := s.unused.Push(v.key, v)
	if !ok {
		return nil
	}
	evicted.busy = true
	s.unhashVnode(evicted)
	return evicted
}

// unhashVnode removes v from the identity index and its mount's set.
// Caller holds vnodeMu.
func (s *State) unhashVnode(v *Vnode) {
	if s.vnodes[v.key] == v {
		delete(s.vnodes, v.key)
	}
	s.unused.Remove(v.key)
	v.mount.removeVnode(v)
}

// freeVnode runs the driver destructor for a vnode that is busy and already
// unhashed, so no other caller can reach it.
func (s *State) freeVnode(v *Vnode, remove bool) {
	vol := v.mount.volume
	var err error
	if remove {
		err = optional(vol.RemoveVnode(v.node))
	} else {
		err = optional(vol.PutVnode(v.node))
	}
	if err != nil {
		log.Warnf("[VFS] driver failed to release %s (remove=%v): %v", v, remove, err)
	}
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[VFS] freed %s remove=%v", v, remove)
	}
}

// newVnode reserves id for a driver: the vnode is busy and unpublished
// until publishVnode.
func (s *State) newVnode(m *Mount, id NodeID, node Node) error {
	key := VnodeKey{Mount: m.id, Node: id}
	s.vnodeMu.Lock()
	defer s.vnodeMu.Unlock()
	if m.unmounting.Load() {
		return fmt.Errorf("mount %d is unmounting: %w", m.id, common.ErrNotFound)
	}
	if s.vnodes[key] != nil {
		return fmt.Errorf("vnode %d:%d: %w", m.id, id, common.ErrExists)
	}
	v := &Vnode{key: key, mount: m, node: node, busy: true, unpublished: true}
	v.refs.Store(1)
	s.vnodes[key] = v
	m.addVnode(v)
	return nil
}

// publishVnode exposes a reserved vnode, or creates and exposes one in a
// single step. Either way the vnode ends up with one reference owned by the
// driver.
func (s *State) publishVnode(m *Mount, id NodeID, node Node, typ NodeType) error {
	key := VnodeKey{Mount: m.id, Node: id}
	s.vnodeMu.Lock()
	defer s.vnodeMu.Unlock()
	if v := s.vnodes[key]; v != nil {
		if !v.unpublished {
			return fmt.Errorf("vnode %d:%d: %w", m.id, id, common.ErrExists)
		}
		v.node = node
		v.typ = typ
		v.unpublished = false
		v.busy = false
		return nil
	}
	if m.unmounting.Load() {
		return fmt.Errorf("mount %d is unmounting: %w", m.id, common.ErrNotFound)
	}
	v := &Vnode{key: key, mount: m, node: node, typ: typ}
	v.refs.Store(1)
	s.vnodes[key] = v
	m.addVnode(v)
	return nil
}

// adoptVnode takes over the driver's reference on a freshly published vnode.
func (s *State) adoptVnode(m *Mount, id NodeID) *Vnode {
	s.vnodeMu.Lock()
	v := s.lookupVnode(VnodeKey{Mount: m.id, Node: id})
	s.vnodeMu.Unlock()
	return v
}

func (s *State) setVnodeRemoved(m *Mount, id NodeID, remove bool) error {
	s.vnodeMu.Lock()
	v := s.lookupVnode(VnodeKey{Mount: m.id, Node: id})
	if v == nil {
		s.vnodeMu.Unlock()
		return errNotFound(m.id, id)
	}
	v.remove = remove
	destroy := remove && v.unpublished
	if destroy {
		// a reservation that is removed before publishing never becomes visible
		v.busy = true
		s.unhashVnode(v)
	}
	s.vnodeMu.Unlock()
	if destroy {
		s.freeVnode(v, true)
	}
	return nil
}

func (s *State) isVnodeRemoved(m *Mount, id NodeID) (bool, error) {
	s.vnodeMu.Lock()
	defer s.vnodeMu.Unlock()
	v := s.lookupVnode(VnodeKey{Mount: m.id, Node: id})
	if v == nil {
		return false, errNotFound(m.id, id)
	}
	return v.remove, nil
}

func (s *State) markVnodeBusy(m *Mount, id NodeID, busy bool) error {
	s.vnodeMu.Lock()
	v := s.lookupVnode(VnodeKey{Mount: m.id, Node: id})
	if v == nil {
		s.vnodeMu.Unlock()
		return errNotFound(m.id, id)
	}
	v.busy = busy
	var victim *Vnode
	if !busy && v.refs.Load() == 0 && !v.unpublished && !m.unmounting.Load() && !s.unused.Contains(v.key) {
		// its last reference was dropped while busy
		victim = s.releaseLocked(v)
	}
	s.vnodeMu.Unlock()
	if victim != nil {
		s.freeVnode(victim, victim.remove)
	}
	return nil
}

func (s *State) changeVnodeID(m *Mount, oldID, newID NodeID) error {
	oldKey := VnodeKey{Mount: m.id, Node: oldID}
	newKey := VnodeKey{Mount: m.id, Node: newID}

	s.vnodeMu.Lock()
	defer s.vnodeMu.Unlock()
	v := s.lookupVnode(oldKey)
	if v == nil {
		return errNotFound(m.id, oldID)
	}
	if s.lookupVnode(newKey) != nil {
		return fmt.Errorf("vnode %d:%d: %w", m.id, newID, common.ErrExists)
	}
	wasUnused := s.unused.Remove(oldKey)
	delete(s.vnodes, oldKey)
	m.removeVnode(v)

	v.key = newKey
	s.vnodes[newKey] = v
	m.addVnode(v)
	if wasUnused {
		// re-parking cannot evict: the slot just freed is reused
		s.unused.Push(newKey, v)
	}
	return nil
}
