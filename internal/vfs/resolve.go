package vfs

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"

	"fsshell/internal/common"
)

// maxPathDepth bounds the ".." walk of VnodeToPath.
const maxPathDepth = 256

// rootRef returns a new reference to the namespace root.
func (s *State) rootRef() (*Vnode, error) {
	s.vnodeMu.Lock()
	defer s.vnodeMu.Unlock()
	root := s.root.Load()
	if root == nil || root.mount.unmounting.Load() {
		return nil, fmt.Errorf("no root mounted: %w", common.ErrNotFound)
	}
	if root.busy {
		return nil, fmt.Errorf("namespace root: %w", common.ErrBusy)
	}
	root.refs.Add(1)
	return root, nil
}

// crossUp replaces a mount root by the directory it covers. Used before a
// ".." lookup so traversal leaves the mounted volume.
func (s *State) crossUp(v *Vnode) *Vnode {
	m := v.mount
	if m.root != v || m.covers.IsZero() {
		return v
	}
	covers := s.refVnode(m.covers)
	if covers == nil {
		return v
	}
	s.PutVnode(v)
	return covers
}

// crossDown replaces a covered directory by the root mounted on it.
func (s *State) crossDown(v *Vnode) *Vnode {
	s.coverMu.RLock()
	key := v.coveredBy
	s.coverMu.RUnlock()
	if key.IsZero() {
		return v
	}
	root := s.refVnode(key)
	if root == nil {
		return v
	}
	s.PutVnode(v)
	return root
}

// walk resolves path relative to v and consumes the reference to v. It
// returns the referenced result and the id of the directory it was found in.
func (s *State) walk(v *Vnode, path string, traverseLeaf bool, depth int) (*Vnode, NodeID, error) {
	var parentID NodeID
	for {
		name, rest := common.NextComponent(path)
		if name == "" {
			return v, parentID, nil
		}
		path = rest

		if len(name) > common.MaxNameLength {
			s.PutVnode(v)
			return nil, 0, common.ErrNameTooLong
		}
		if v.typ != TypeDirectory {
			s.PutVnode(v)
			return nil, 0, common.ErrNotDir
		}
		if name == ".." {
			v = s.crossUp(v)
		}

		vol := v.mount.volume
		if err := vol.Access(v.node, AccessExec); err != nil && !errors.Is(err, common.ErrNotSupported) {
			s.PutVnode(v)
			return nil, 0, err
		}
		id, err := vol.Lookup(v.node, name)
		if err != nil {
			s.PutVnode(v)
			if errors.Is(err, common.ErrNotSupported) {
				err = common.ErrNotFound
			}
			return nil, 0, fmt.Errorf("lookup %q: %w", name, err)
		}
		next, err := s.getVnode(v.mount, id)
		if err != nil {
			s.PutVnode(v)
			return nil, 0, err
		}

		last, _ := common.NextComponent(path)
		if next.typ == TypeSymlink && (last != "" || traverseLeaf) {
			if depth >= s.cfg.MaxSymlinks {
				s.PutVnode(next)
				s.PutVnode(v)
				return nil, 0, common.ErrLinkLimit
			}
			target, err := vol.ReadSymlink(next.node)
			s.PutVnode(next)
			if err != nil {
				s.PutVnode(v)
				return nil, 0, err
			}
			if target == "" {
				s.PutVnode(v)
				return nil, 0, common.ErrNotFound
			}
			start := v
			if strings.HasPrefix(target, "/") {
				s.PutVnode(v)
				if start, err = s.rootRef(); err != nil {
					return nil, 0, err
				}
			}
			if log.IsLevelEnabled(log.TraceLevel) {
				log.Tracef("[VFS] following symlink -> %q (depth %d)", target, depth+1)
			}
			next, parentID, err = s.walk(start, target, true, depth+1)
			if err != nil {
				return nil, 0, err
			}
		} else {
			parentID = v.key.Node
			s.PutVnode(v)
		}
		v = s.crossDown(next)
	}
}

// resolvePath resolves path against start and consumes the reference to
// start. A nil start or an absolute path begins at the namespace root.
func (s *State) resolvePath(start *Vnode, path string, traverseLeaf bool) (*Vnode, error) {
	if err := checkPath(path); err != nil {
		if start != nil {
			s.PutVnode(start)
		}
		return nil, err
	}
	if start == nil || strings.HasPrefix(path, "/") {
		if start != nil {
			s.PutVnode(start)
		}
		var err error
		if start, err = s.rootRef(); err != nil {
			return nil, err
		}
	}
	if strings.HasSuffix(path, "/") {
		path += "."
	}
	v, _, err := s.walk(start, path, traverseLeaf, 0)
	return v, err
}

// resolveDirAndLeaf resolves everything but the last component of path and
// returns the referenced directory with the leaf name.
func (s *State) resolveDirAndLeaf(start *Vnode, path string) (*Vnode, string, error) {
	if err := checkPath(path); err != nil {
		if start != nil {
			s.PutVnode(start)
		}
		return nil, "", err
	}
	dir, leaf, err := common.SplitDirAndLeaf(path)
	if err != nil {
		if start != nil {
			s.PutVnode(start)
		}
		return nil, "", err
	}
	v, err := s.resolvePath(start, dir, true)
	if err != nil {
		return nil, "", err
	}
	if v.typ != TypeDirectory {
		s.PutVnode(v)
		return nil, "", common.ErrNotDir
	}
	return v, leaf, nil
}

func checkPath(path string) error {
	if path == "" {
		return common.ErrNotFound
	}
	if len(path) > common.MaxPathLength {
		return common.ErrNameTooLong
	}
	return nil
}

// VnodeToPath returns the absolute path of directory v by walking ".."
// entries up to the namespace root.
func (s *State) VnodeToPath(v *Vnode) (string, error) {
	if v.typ != TypeDirectory {
		return "", common.ErrNotDir
	}
	s.incVnode(v)
	cur := v
	defer func() { s.PutVnode(cur) }()

	var (
		names []string
		size  int
	)
	for depth := 0; ; depth++ {
		if depth >= maxPathDepth {
			return "", common.ErrLinkLimit
		}
		cur = s.crossUp(cur)
		if cur == s.root.Load() {
			break
		}

		vol := cur.mount.volume
		parentID, err := vol.Lookup(cur.node, "..")
		if err != nil {
			return "", fmt.Errorf("lookup .. of %s: %w", cur, err)
		}
		parent, err := s.getVnode(cur.mount, parentID)
		if err != nil {
			return "", err
		}
		if parent == cur {
			s.PutVnode(parent)
			break
		}
		name, err := s.nameInParent(parent, cur)
		if err != nil {
			s.PutVnode(parent)
			return "", err
		}
		size += len(name) + 1
		if size > common.MaxPathLength {
			s.PutVnode(parent)
			return "", common.ErrNameTooLong
		}
		names = append(names, name)
		s.PutVnode(cur)
		cur = parent
	}

	slices.Reverse(names)
	return "/" + strings.Join(names, "/"), nil
}

// nameInParent finds the entry name of child inside dir, asking the driver
// first and scanning dir otherwise.
func (s *State) nameInParent(dir, child *Vnode) (string, error) {
	vol := dir.mount.volume
	name, err := vol.GetVnodeName(child.node)
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, common.ErrNotSupported) {
		return "", err
	}

	cookie, err := vol.OpenDir(dir.node)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = optional(vol.CloseDir(dir.node, cookie))
		_ = optional(vol.FreeDirCookie(dir.node, cookie))
	}()
	for {
		entries, err := vol.ReadDir(dir.node, cookie, 32)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "", fmt.Errorf("%s not found in %s: %w", child, dir, common.ErrNotFound)
		}
		for _, e := range entries {
			if e.Ino == child.key.Node && !common.IsDotName(e.Name) {
				return e.Name, nil
			}
		}
	}
}
