package harness

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// FileFilter reports whether a host path, relative to the import root and
// slash separated, should be copied.
type FileFilter func(relPath string, isDir bool) bool

// BuildFileFilter creates a FileFilter that:
// 1. Checks excludes (force-exclude, highest priority)
// 2. Checks includes (force-include, overrides gitignore)
// 3. Applies .gitignore rules found under root
func BuildFileFilter(root string, gitignoreEnabled bool, includes, excludes []string) FileFilter {
	var matcher *gitignoreMatcher
	if gitignoreEnabled {
		var err error
		matcher, err = newGitignoreMatcher(root)
		if err != nil {
			log.Warnf("[harness] failed to build gitignore matcher: %v", err)
		}
	}

	return func(relPath string, isDir bool) bool {
		for _, exc := range excludes {
			if underPrefix(relPath, exc) {
				return false
			}
		}
		for _, inc := range includes {
			if underPrefix(relPath, inc) {
				return true
			}
		}
		if matcher != nil && matcher.isIgnored(relPath, isDir) {
			return false
		}
		return true
	}
}

func underPrefix(relPath, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix != "" && (relPath == prefix || strings.HasPrefix(relPath, prefix+"/"))
}

// gitignoreMatcher holds the .gitignore files of a tree, each scoped to the
// directory it was found in.
type gitignoreMatcher struct {
	matchers []scopedMatcher
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newGitignoreMatcher(root string) (*gitignoreMatcher, error) {
	m := &gitignoreMatcher{}
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Name() != ".gitignore" {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		relDir, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil {
			return nil
		}
		if relDir == "." {
			relDir = ""
		}
		m.matchers = append(m.matchers, scopedMatcher{
			dirPrefix: filepath.ToSlash(relDir),
			ignore:    ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *gitignoreMatcher) isIgnored(relPath string, isDir bool) bool {
	if m == nil {
		return false
	}
	checkPath := relPath
	if isDir {
		checkPath += "/"
	}
	for _, sm := range m.matchers {
		pathToCheck := checkPath
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}
		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}
