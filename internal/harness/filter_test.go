package harness_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"fsshell/internal/harness"
)

func TestBuildFileFilter(t *testing.T) {
	root := t.TempDir()
	writeHostFile(t, filepath.Join(root, ".gitignore"), "*.log\nbuild/\n")
	writeHostFile(t, filepath.Join(root, "sub", ".gitignore"), "secret.txt\n")

	filter := harness.BuildFileFilter(root, true, []string{"keep.log"}, []string{"vendor"})

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"main.go", false, true},
		{"debug.log", false, false},
		{"keep.log", false, true},
		{"build", true, false},
		{"vendor", true, false},
		{"vendor/lib.go", false, false},
		{"sub/secret.txt", false, false},
		{"secret.txt", false, true},
		{"sub/other.txt", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, filter(tt.path, tt.isDir))
		})
	}

	noGit := harness.BuildFileFilter(root, false, nil, nil)
	assert.True(t, noGit("debug.log", false))
}
