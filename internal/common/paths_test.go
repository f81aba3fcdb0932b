package common

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextComponent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		wantName string
		wantRest string
	}{
		{"empty", "", "", ""},
		{"root", "/", "", ""},
		{"simple", "foo", "foo", ""},
		{"leading_slash", "/foo", "foo", ""},
		{"two_parts", "foo/bar", "foo", "/bar"},
		{"double_slash", "foo//bar", "foo", "//bar"},
		{"many_leading", "///foo/bar", "foo", "/bar"},
		{"trailing_slash", "foo/", "foo", "/"},
		{"dot", "./foo", ".", "/foo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			name, rest := NextComponent(tt.input)
			assert.Equal(t, tt.wantName, name, "name of %q", tt.input)
			assert.Equal(t, tt.wantRest, rest, "rest of %q", tt.input)
		})
	}
}

func TestSplitDirAndLeaf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		wantDir  string
		wantLeaf string
	}{
		{"bare_leaf", "foo", ".", "foo"},
		{"absolute", "/a/b", "/a/.", "b"},
		{"root_child", "/a", "/.", "a"},
		{"relative", "a/b", "a/.", "b"},
		{"trailing_slash", "a/b/", "a/b/.", "."},
		{"root", "/", "/.", "."},
		{"double_slash", "a//b", "a//.", "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir, leaf, err := SplitDirAndLeaf(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDir, dir)
			assert.Equal(t, tt.wantLeaf, leaf)
		})
	}
}

func TestSplitDirAndLeaf_TooLong(t *testing.T) {
	t.Parallel()

	_, _, err := SplitDirAndLeaf("/a/" + strings.Repeat("x", MaxNameLength+1))
	assert.ErrorIs(t, err, ErrNameTooLong)

	_, _, err = SplitDirAndLeaf(strings.Repeat("x", MaxNameLength+1))
	assert.ErrorIs(t, err, ErrNameTooLong)

	_, _, err = SplitDirAndLeaf(strings.Repeat("a/", MaxPathLength))
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestCheckName(t *testing.T) {
	t.Parallel()

	assert.NoError(t, CheckName("file.txt"))
	assert.NoError(t, CheckName(strings.Repeat("n", MaxNameLength)))
	assert.ErrorIs(t, CheckName(""), ErrInvalidPath)
	assert.ErrorIs(t, CheckName("a/b"), ErrInvalidPath)
	assert.ErrorIs(t, CheckName(strings.Repeat("n", MaxNameLength+1)), ErrNameTooLong)
}

func TestIsDotName(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDotName("."))
	assert.True(t, IsDotName(".."))
	assert.False(t, IsDotName("..."))
	assert.False(t, IsDotName(""))
}
