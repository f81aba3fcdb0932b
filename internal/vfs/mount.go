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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fsshell/internal/common"
	"fsshell/internal/util"
)

// Mount is one mounted volume.
type Mount struct {
	id     MountID
	uuid   uuid.UUID
	fs     FileSystem
	volume Volume
	host   *Host
	root   *Vnode
	covers VnodeKey // zero only for the namespace root

	device string
	fsName string
	args   string
	flags  MountFlags

	active     bool // guarded by State.mountsMu
	unmounting atomic.Bool

	mu     sync.Mutex
	vnodes map[NodeID]*Vnode
}

// ID returns the mount id.
func (m *Mount) ID() MountID { return m.id }

// Root returns the mount's root vnode. The reference belongs to the mount.
func (m *Mount) Root() *Vnode { return m.root }

// Covers returns the key of the directory this mount is attached to.
func (m *Mount) Covers() VnodeKey { return m.covers }

// FsName returns the name of the driver serving the mount.
func (m *Mount) FsName() string { return m.fsName }

// Device returns the device string passed at mount time.
func (m *Mount) Device() string { return m.device }

func (m *Mount) addVnode(v *Vnode) {
	m.mu.Lock()
	m.vnodes[v.key.Node] = v
	m.mu.Unlock()
}

func (m *Mount) removeVnode(v *Vnode) {
	m.mu.Lock()
	if m.vnodes[v.key.Node] == v {
		delete(m.vnodes, v.key.Node)
	}
	m.mu.Unlock()
}

func (m *Mount) snapshotVnodes() []*Vnode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Vnode, 0, len(m.vnodes))
	for _, v := range m.vnodes {
		out = append(out, v)
	}
	return out
}

// lookupMount returns an active mount that is not unmounting.
func (s *State) lookupMount(id MountID) (*Mount, error) {
	s.mountsMu.RLock()
	defer s.mountsMu.RUnlock()
	m, ok := s.mounts[id]
	if !ok || !m.active || m.unmounting.Load() {
		return nil, fmt.Errorf("mount %d: %w", id, common.ErrNotFound)
	}
	return m, nil
}

// Mount attaches a new volume of driver fsName at path.
func (s *State) Mount(path, device, fsName string, flags MountFlags, args string) (MountID, error) {
	start := time.Now()
	fs, err := s.fileSystem(fsName)
	if err != nil {
		return 0, err
	}

	s.mountOpMu.Lock()
	defer s.mountOpMu.Unlock()

	var covers *Vnode
	if s.root.Load() == nil {
		if path != "/" {
			return 0, fmt.Errorf("first mount must be at /, got %q: %w", path, common.ErrInvalidArgument)
		}
	} else {
		covers, err = s.resolvePath(nil, path, true)
		if err != nil {
			return 0, fmt.Errorf("mount point %q: %w", path, err)
		}
		if err := s.checkMountPoint(covers); err != nil {
			s.PutVnode(covers)
			return 0, fmt.Errorf("mount point %q: %w", path, err)
		}
	}

	m := &Mount{
		uuid:   uuid.New(),
		fs:     fs,
		device: device,
		fsName: fsName,
		args:   args,
		flags:  flags,
		vnodes: make(map[NodeID]*Vnode),
	}
	if covers != nil {
		m.covers = covers.key
	}
	s.mountsMu.Lock()
	m.id = s.nextMountID
	s.nextMountID++
	s.mounts[m.id] = m
	s.mountsMu.Unlock()
	m.host = &Host{s: s, m: m}

	unwind := func() {
		s.mountsMu.Lock()
		delete(s.mounts, m.id)
		s.mountsMu.Unlock()
		if covers != nil {
			s.PutVnode(covers)
		}
	}

	vol, rootID, err := fs.Mount(m.host, device, flags, args)
	if err != nil {
		s.discardVnodes(m)
		unwind()
		return 0, fmt.Errorf("%s mount of %q: %w", fsName, device, err)
	}
	m.volume = vol

	root := s.adoptVnode(m, rootID)
	if root == nil {
		root, err = s.getVnode(m, rootID)
	} else if root.busy || root.unpublished {
		err = fmt.Errorf("root vnode %d not published: %w", rootID, common.ErrInvalidArgument)
	}
	if err == nil && root.typ != TypeDirectory {
		err = fmt.Errorf("root vnode %d is a %s: %w", rootID, root.typ, common.ErrNotDir)
	}
	if err != nil {
		s.discardVnodes(m)
		if uerr := optional(vol.Unmount()); uerr != nil {
			log.Warnf("[Mount] unwinding %s: driver unmount failed: %v", fsName, uerr)
		}
		unwind()
		return 0, fmt.Errorf("%s mount of %q: %w", fsName, device, err)
	}
	m.root = root

	if covers != nil {
		s.coverMu.Lock()
		covers.coveredBy = root.key
		s.coverMu.Unlock()
	} else {
		s.root.Store(root)
	}

	s.mountsMu.Lock()
	m.active = true
	s.mountsMu.Unlock()

	log.Infof("[Mount] mounted %s (%s) at %s as %d in %v", fsName, device, path, m.id, time.Since(start))
	return m.id, nil
}

// checkMountPoint requires a plain directory that no mount is attached to or
// rooted at.
func (s *State) checkMountPoint(v *Vnode) error {
	if v.typ != TypeDirectory {
		return common.ErrNotDir
	}
	if v.mount.root == v {
		return common.ErrBusy
	}
	s.coverMu.RLock()
	covered := !v.coveredBy.IsZero()
	s.coverMu.RUnlock()
	if covered {
		return common.ErrBusy
	}
	return nil
}

// discardVnodes drops every vnode of a mount that never became active.
func (s *State) discardVnodes(m *Mount) {
	vnodes := m.snapshotVnodes()
	s.vnodeMu.Lock()
	for _, v := range vnodes {
		v.busy = true
		s.unhashVnode(v)
	}
	s.vnodeMu.Unlock()
	if m.volume == nil {
		return
	}
	for _, v := range vnodes {
		if v.node != nil {
			s.freeVnode(v, v.remove)
		}
	}
}

// Unmount detaches the volume whose root path resolves to.
func (s *State) Unmount(path string, flags MountFlags) error {
	s.mountOpMu.Lock()
	defer s.mountOpMu.Unlock()

	v, err := s.resolvePath(nil, path, true)
	if err != nil {
		return err
	}
	m := v.mount
	isRoot := m.root == v
	s.PutVnode(v)
	if !isRoot {
		return fmt.Errorf("%q is not a mount root: %w", path, common.ErrInvalidArgument)
	}
	return s.unmountLocked(m, flags)
}

func (s *State) unmountID(id MountID, flags MountFlags) error {
	s.mountOpMu.Lock()
	defer s.mountOpMu.Unlock()

	s.mountsMu.RLock()
	m, ok := s.mounts[id]
	if ok && !m.active {
		ok = false
	}
	s.mountsMu.RUnlock()
	if !ok {
		return fmt.Errorf("mount %d: %w", id, common.ErrNotFound)
	}
	return s.unmountLocked(m, flags)
}

// unmountLocked runs the unmount protocol. Caller holds mountOpMu.
func (s *State) unmountLocked(m *Mount, flags MountFlags) error {
	start := time.Now()
	if m.covers.IsZero() {
		s.mountsMu.RLock()
		others := 0
		for _, o := range s.mounts {
			if o != m && o.active {
				others++
			}
		}
		s.mountsMu.RUnlock()
		if others > 0 {
			return fmt.Errorf("namespace root has %d mounts below it: %w", others, common.ErrBusy)
		}
	}

	if !s.markUnmountBusy(m) {
		if flags&UnmountForce == 0 {
			return fmt.Errorf("mount %d: %w", m.id, common.ErrBusy)
		}
		s.mountsMu.Lock()
		m.unmounting.Store(true)
		s.mountsMu.Unlock()

		s.disconnectMount(m)
		checks, err := util.PollUntil(context.Background(), s.cfg.DrainPoll, func() bool {
			return s.markUnmountBusy(m)
		})
		if err != nil {
			s.mountsMu.Lock()
			m.unmounting.Store(false)
			s.mountsMu.Unlock()
			log.Warnf("[Mount] forced unmount of %d did not drain: %v", m.id, err)
			return fmt.Errorf("mount %d did not drain: %w", m.id, common.ErrBusy)
		}
		log.Debugf("[Mount] forced unmount of %d drained after %d checks", m.id, checks)
	}

	if !m.covers.IsZero() {
		s.vnodeMu.Lock()
		covers := s.lookupVnode(m.covers)
		s.vnodeMu.Unlock()
		s.coverMu.Lock()
		covers.coveredBy = VnodeKey{}
		s.coverMu.Unlock()
		s.PutVnode(covers)
	}

	vnodes := m.snapshotVnodes()
	s.vnodeMu.Lock()
	for _, v := range vnodes {
		s.unhashVnode(v)
	}
	s.vnodeMu.Unlock()
	for _, v := range vnodes {
		s.freeVnode(v, v.remove)
	}

	if err := optional(m.volume.Unmount()); err != nil {
		log.Warnf("[Mount] driver unmount of %d failed: %v", m.id, err)
	}

	s.mountsMu.Lock()
	delete(s.mounts, m.id)
	m.active = false
	s.mountsMu.Unlock()
	if s.root.Load() == m.root {
		s.root.Store(nil)
	}

	log.Infof("[Mount] unmounted %d (%s) in %v", m.id, m.fsName, time.Since(start))
	return nil
}

// markUnmountBusy reports whether m holds only its own root reference, and if
// so marks every vnode busy and flags m unmounting in the same critical
// section. Once it returns true no new vnode or pin of m can appear.
func (s *State) markUnmountBusy(m *Mount) bool {
	vnodes := m.snapshotVnodes()

	s.vnodeMu.Lock()
	defer s.vnodeMu.Unlock()
	s.coverMu.RLock()
	defer s.coverMu.RUnlock()

	for _, v := range vnodes {
		if v.busy || !v.coveredBy.IsZero() {
			return false
		}
		want := int32(0)
		if v == m.root {
			want = 1
		}
		if v.refs.Load() != want {
			return false
		}
	}
	// a vnode loaded after the snapshot makes the mount busy
	m.mu.Lock()
	n := len(m.vnodes)
	m.mu.Unlock()
	if n != len(vnodes) {
		return false
	}
	for _, v := range vnodes {
		v.busy = true
	}
	m.unmounting.Store(true)
	return true
}

// disconnectMount detaches every descriptor and cwd that references m.
func (s *State) disconnectMount(m *Mount) {
	var n int
	s.contexts.Range(func(_ uuid.UUID, c *IOContext) bool {
		n += c.disconnectMount(m)
		return true
	})
	log.Debugf("[Mount] disconnected %d descriptors from mount %d", n, m.id)
}

// GetMount returns an active mount and pins it through its root reference.
func (s *State) GetMount(id MountID) (*Mount, error) {
	s.mountsMu.RLock()
	defer s.mountsMu.RUnlock()
	m, ok := s.mounts[id]
	if !ok || !m.active {
		return nil, fmt.Errorf("mount %d: %w", id, common.ErrNotFound)
	}
	// the pin and the unmount busy check share vnodeMu
	s.vnodeMu.Lock()
	defer s.vnodeMu.Unlock()
	if m.unmounting.Load() || m.root.busy {
		return nil, fmt.Errorf("mount %d: %w", id, common.ErrNotFound)
	}
	m.root.refs.Add(1)
	return m, nil
}

// PutMount releases a GetMount pin.
func (s *State) PutMount(m *Mount) {
	s.PutVnode(m.root)
}

// NextMount returns the lowest active mount id above cursor. Pass 0 to start.
func (s *State) NextMount(cursor MountID) (MountID, error) {
	s.mountsMu.RLock()
	defer s.mountsMu.RUnlock()
	for id := cursor + 1; id < s.nextMountID; id++ {
		m, ok := s.mounts[id]
		if ok && m.active && !m.unmounting.Load() {
			return id, nil
		}
	}
	return 0, common.ErrNotFound
}

func (s *State) activeMounts() []*Mount {
	s.mountsMu.RLock()
	defer s.mountsMu.RUnlock()
	out := make([]*Mount, 0, len(s.mounts))
	for _, m := range s.mounts {
		if m.active && !m.unmounting.Load() {
			out = append(out, m)
		}
	}
	return out
}

// Sync flushes every active volume concurrently.
func (s *State) Sync() error {
	var g errgroup.Group
	for _, m := range s.activeMounts() {
		g.Go(func() error {
			if err := optional(m.volume.Sync()); err != nil {
				return fmt.Errorf("sync mount %d: %w", m.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ReadFsInfo describes the volume mounted as id.
func (s *State) ReadFsInfo(id MountID) (FsInfo, error) {
	m, err := s.GetMount(id)
	if err != nil {
		return FsInfo{}, err
	}
	defer s.PutMount(m)

	info := FsInfo{
		Dev:        m.id,
		Root:       m.root.key.Node,
		ID:         m.uuid,
		Flags:      m.flags,
		DeviceName: m.device,
		FsName:     m.fsName,
	}
	if err := optional(m.volume.ReadFsInfo(&info)); err != nil {
		return FsInfo{}, err
	}
	// identity fields are not the driver's to change
	info.Dev = m.id
	info.Root = m.root.key.Node
	info.ID = m.uuid
	return info, nil
}

// WriteFsInfo changes the fields of info selected by mask.
func (s *State) WriteFsInfo(id MountID, info FsInfo, mask FsInfoMask) error {
	m, err := s.GetMount(id)
	if err != nil {
		return err
	}
	defer s.PutMount(m)
	if m.flags&MountReadOnly != 0 {
		return common.ErrReadOnly
	}
	err = m.volume.WriteFsInfo(info, mask)
	if errors.Is(err, common.ErrNotSupported) {
		return common.ErrReadOnly
	}
	return err
}
