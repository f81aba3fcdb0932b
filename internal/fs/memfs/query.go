package memfs

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"fsshell/internal/common"
	"fsshell/internal/vfs"
)

// query is a parsed `key=="glob"` expression. A bare glob matches names.
type query struct {
	key     string
	pattern string
}

func parseQuery(q string) (query, error) {
	q = strings.TrimSpace(q)
	key, pattern := "name", q
	if k, p, ok := strings.Cut(q, "=="); ok {
		key = strings.TrimSpace(k)
		pattern = strings.TrimSpace(p)
		if unq, ok := unquote(pattern); ok {
			pattern = unq
		} else {
			return query{}, fmt.Errorf("query %q: pattern must be quoted: %w", q, common.ErrInvalidArgument)
		}
	}
	if key == "" || pattern == "" {
		return query{}, fmt.Errorf("query %q: %w", q, common.ErrInvalidArgument)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return query{}, fmt.Errorf("query %q: %w", q, common.ErrInvalidArgument)
	}
	return query{key: key, pattern: pattern}, nil
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1], true
	}
	return "", false
}

// matchDir walks the tree below dir collecting matches. Caller holds v.mu.
func (q query) matchDir(dir *node, out *[]vfs.DirEntry) {
	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := dir.children[name]
		if q.match(name, child) {
			*out = append(*out, vfs.DirEntry{Ino: child.id, Name: name})
		}
		if child.typ == vfs.TypeDirectory {
			q.matchDir(child, out)
		}
	}
}

func (q query) match(name string, n *node) bool {
	subject := name
	if q.key != "name" {
		a, ok := n.attrs[q.key]
		if !ok {
			return false
		}
		subject = string(a.data)
	}
	ok, _ := path.Match(q.pattern, subject)
	return ok
}

// OpenQuery runs a query over the whole volume. Queries on an attribute
// other than "name" require an index of that name.
func (v *Volume) OpenQuery(text string, flags uint32) (vfs.Cookie, error) {
	q, err := parseQuery(text)
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if q.key != "name" {
		if _, ok := v.indices[q.key]; !ok {
			return nil, fmt.Errorf("no index %q: %w", q.key, common.ErrNotFound)
		}
	}
	var entries []vfs.DirEntry
	q.matchDir(v.root, &entries)
	return &dirCookie{entries: entries}, nil
}

func (v *Volume) CloseQuery(vfs.Cookie) error      { return nil }
func (v *Volume) FreeQueryCookie(vfs.Cookie) error { return nil }

func (v *Volume) ReadQuery(cookie vfs.Cookie, max int) ([]vfs.DirEntry, error) {
	return nextEntries(cookie.(*dirCookie), max), nil
}

func (v *Volume) RewindQuery(cookie vfs.Cookie) error {
	cookie.(*dirCookie).pos = 0
	return nil
}
