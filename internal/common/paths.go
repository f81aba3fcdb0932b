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

package common

import "strings"

// Limits applied by the path resolver.
const (
	MaxNameLength = 255
	MaxPathLength = 1024
)

// NextComponent skips leading slashes and returns the first component of p
// together with the unconsumed remainder (which keeps its leading slash).
func NextComponent(p string) (name, rest string) {
	p = strings.TrimLeft(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i:]
	}
	return p, ""
}

// SplitDirAndLeaf splits p into the directory portion and the leaf name.
// A bare leaf resolves against ".", and a trailing slash yields the leaf ".".
//
//	"foo"  -> (".", "foo")
//	"/a/b" -> ("/a/.", "b")
//	"a/b/" -> ("a/b/.", ".")
func SplitDirAndLeaf(p string) (dir, leaf string, err error) {
	if len(p) > MaxPathLength {
		return "", "", ErrNameTooLong
	}
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		if len(p) > MaxNameLength {
			return "", "", ErrNameTooLong
		}
		return ".", p, nil
	}
	leaf = p[i+1:]
	if leaf == "" {
		leaf = "."
	}
	if len(leaf) > MaxNameLength {
		return "", "", ErrNameTooLong
	}
	return p[:i+1] + ".", leaf, nil
}

// CheckName validates a single directory entry name.
func CheckName(name string) error {
	if name == "" || strings.IndexByte(name, '/') >= 0 {
		return ErrInvalidPath
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// IsDotName reports whether name is "." or "..".
func IsDotName(name string) bool {
	return name == "." || name == ".."
}

