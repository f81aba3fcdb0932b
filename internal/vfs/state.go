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

// Package vfs implements the node-based indirection layer between callers
// and filesystem drivers: the vnode cache, the mount table, path resolution,
// and per-context descriptor tables.
//
// Lock order, outer to inner:
//
//	mountOpMu   serializes Mount/Unmount; required to write covered-by
//	mountsMu    mount table and each mount's active transition
//	vnodeMu     identity index, unused list, busy/remove flags, pins taken
//	            without a held reference, the drained-to-unmounting step
//	coverMu     covered-by links (read on every resolution step)
//	Mount.mu    a mount's vnode set
//	IOContext.mu descriptor table and cwd
//
// Driver hooks never run while vnodeMu is held.
package vfs

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"fsshell/internal/cache"
	"fsshell/internal/common"
	"fsshell/internal/util"
)

// Config tunes a State.
type Config struct {
	MaxSymlinks        int           // symlink expansions per resolution (default: 16)
	UnusedVnodes       int           // cap of the unused vnode list (default: 256, negative keeps none)
	DefaultFDTableSize int           // descriptor table size of a root context (default: 128)
	MaxFDTableSize     int           // upper bound for Resize (default: 8192)
	BusyRetry          util.BackoffConfig
	DrainPoll          util.PollConfig
}

// DefaultConfig returns the defaults used when a Config field is zero.
func DefaultConfig() Config {
	return Config{
		MaxSymlinks:        16,
		UnusedVnodes:       256,
		DefaultFDTableSize: 128,
		MaxFDTableSize:     8192,
		BusyRetry:          util.DefaultBusyBackoff(),
		DrainPoll:          util.DrainPollConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxSymlinks <= 0 {
		c.MaxSymlinks = def.MaxSymlinks
	}
	if c.UnusedVnodes == 0 {
		c.UnusedVnodes = def.UnusedVnodes
	} else if c.UnusedVnodes < 0 {
		c.UnusedVnodes = 0
	}
	if c.DefaultFDTableSize <= 0 {
		c.DefaultFDTableSize = def.DefaultFDTableSize
	}
	if c.MaxFDTableSize < c.DefaultFDTableSize {
		c.MaxFDTableSize = max(def.MaxFDTableSize, c.DefaultFDTableSize)
	}
	if c.DrainPoll.Timeout == 0 {
		c.DrainPoll.Timeout = def.DrainPoll.Timeout
	}
	if c.DrainPoll.Interval == 0 {
		c.DrainPoll.Interval = def.DrainPoll.Interval
	}
}

// State owns every VFS table. Construct one with New; all entry points hang
// off it or off an IOContext created from it.
type State struct {
	cfg Config

	fsMu        sync.RWMutex
	filesystems map[string]FileSystem

	mountOpMu   sync.Mutex
	mountsMu    sync.RWMutex
	mounts      map[MountID]*Mount
	nextMountID MountID
	root        atomic.Pointer[Vnode]

	vnodeMu sync.Mutex
	vnodes  map[VnodeKey]*Vnode
	unused  *cache.Unused[VnodeKey, *Vnode]

	coverMu sync.RWMutex

	contexts *xsync.MapOf[uuid.UUID, *IOContext]
}

// New creates an empty State. Zero Config fields take their defaults.
func New(cfg Config) (*State, error) {
	cfg.applyDefaults()
	unused, err := cache.NewUnused[VnodeKey, *Vnode](cfg.UnusedVnodes)
	if err != nil {
		return nil, fmt.Errorf("failed to create unused vnode list: %w", err)
	}
	s := &State{
		cfg:         cfg,
		filesystems: make(map[string]FileSystem),
		mounts:      make(map[MountID]*Mount),
		nextMountID: 1,
		vnodes:      make(map[VnodeKey]*Vnode, 256),
		unused:      unused,
		contexts:    xsync.NewMapOf[uuid.UUID, *IOContext](),
	}
	log.Debugf("[VFS] state created: max_symlinks=%d unused_vnodes=%d fd_table=%d",
		cfg.MaxSymlinks, unused.Cap(), cfg.DefaultFDTableSize)
	return s, nil
}

// Config returns the effective configuration.
func (s *State) Config() Config {
	return s.cfg
}

// RegisterFileSystem makes a driver available to Mount under its name.
func (s *State) RegisterFileSystem(fs FileSystem) error {
	s.fsMu.Lock()
	defer s.fsMu.Unlock()
	name := fs.Name()
	if name == "" {
		return common.ErrInvalidArgument
	}
	if _, ok := s.filesystems[name]; ok {
		return fmt.Errorf("file system %q: %w", name, common.ErrExists)
	}
	s.filesystems[name] = fs
	return nil
}

// FileSystems returns the names of the registered drivers, sorted.
func (s *State) FileSystems() []string {
	s.fsMu.RLock()
	defer s.fsMu.RUnlock()
	names := make([]string, 0, len(s.filesystems))
	for name := range s.filesystems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *State) fileSystem(name string) (FileSystem, error) {
	s.fsMu.RLock()
	defer s.fsMu.RUnlock()
	fs, ok := s.filesystems[name]
	if !ok {
		return nil, fmt.Errorf("unknown file system %q: %w", name, common.ErrInvalidArgument)
	}
	return fs, nil
}

// Stats is a snapshot of table sizes.
type Stats struct {
	Vnodes   int
	Unused   int
	Evicted  uint64
	Mounts   int
	Contexts int
}

// Stats returns current table sizes.
func (s *State) Stats() Stats {
	var st Stats
	s.mountsMu.RLock()
	for _, m := range s.mounts {
		if m.active {
			st.Mounts++
		}
	}
	s.mountsMu.RUnlock()

	s.vnodeMu.Lock()
	st.Vnodes = len(s.vnodes)
	st.Unused = s.unused.Len()
	st.Evicted = s.unused.Evicted()
	s.vnodeMu.Unlock()

	st.Contexts = s.contexts.Size()
	return st
}

// Shutdown destroys every registered context and force-unmounts every
// volume, most recently mounted first.
func (s *State) Shutdown() error {
	start := time.Now()
	s.contexts.Range(func(_ uuid.UUID, c *IOContext) bool {
		c.Destroy()
		return true
	})

	s.mountsMu.RLock()
	ids := make([]MountID, 0, len(s.mounts))
	for id, m := range s.mounts {
		if m.active {
			ids = append(ids, id)
		}
	}
	s.mountsMu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var firstErr error
	for _, id := range ids {
		if err := s.unmountID(id, UnmountForce); err != nil {
			log.Warnf("[VFS] shutdown: unmount %d failed: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	log.Debugf("[VFS] shutdown complete in %v", time.Since(start))
	return firstErr
}
