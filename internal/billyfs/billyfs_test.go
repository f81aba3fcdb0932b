package billyfs_test

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsshell/internal/billyfs"
	"fsshell/internal/fs/memfs"
	"fsshell/internal/vfs"
)

func newFS(t *testing.T) *billyfs.Filesystem {
	t.Helper()
	s, err := vfs.New(vfs.Config{})
	require.NoError(t, err)
	require.NoError(t, s.RegisterFileSystem(memfs.New()))
	_, err = s.Mount("/", "", memfs.Name, 0, "")
	require.NoError(t, err)
	c, err := s.NewIOContext(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return billyfs.New(c)
}

func TestReadWriteFile(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, util.WriteFile(fs, "notes/today.txt", []byte("buy milk"), 0644))

	data, err := util.ReadFile(fs, "/notes/today.txt")
	require.NoError(t, err)
	assert.Equal(t, "buy milk", string(data))

	fi, err := fs.Stat("notes/today.txt")
	require.NoError(t, err)
	assert.Equal(t, "today.txt", fi.Name())
	assert.Equal(t, int64(8), fi.Size())
	assert.Equal(t, os.FileMode(0644), fi.Mode())
	assert.False(t, fi.IsDir())
	st, ok := fi.Sys().(*vfs.Stat)
	require.True(t, ok)
	assert.Equal(t, vfs.TypeFile, st.Type)

	_, err = fs.Stat("notes/missing")
	assert.True(t, os.IsNotExist(err))
}

func TestFileSeekAndReadAt(t *testing.T) {
	fs := newFS(t)
	f, err := fs.Create("f")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)

	pos, err := f.Seek(2, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
	buf := make([]byte, 3)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "234", string(buf[:n]))

	n, err = f.ReadAt(buf, 8)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "89", string(buf[:n]))

	_, err = f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	_, err = f.Read(buf)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, f.Truncate(4))
	require.NoError(t, f.Lock())
	require.NoError(t, f.Unlock())
	require.NoError(t, f.Close())

	data, err := util.ReadFile(fs, "f")
	require.NoError(t, err)
	assert.Equal(t, "0123", string(data))

	_, err = fs.OpenFile("f", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	assert.True(t, os.IsExist(err))
}

func TestDirectories(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, fs.MkdirAll("a/b/c", 0755))
	require.NoError(t, fs.MkdirAll("a/b", 0755))
	require.NoError(t, util.WriteFile(fs, "a/file", nil, 0600))
	assert.Error(t, fs.MkdirAll("a/file/x", 0755))

	infos, err := fs.ReadDir("a")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "b", infos[0].Name())
	assert.True(t, infos[0].IsDir())
	assert.Equal(t, os.ModeDir|0755, infos[0].Mode())
	assert.Equal(t, "file", infos[1].Name())

	var walked []string
	require.NoError(t, util.Walk(fs, "/", func(p string, _ os.FileInfo, err error) error {
		require.NoError(t, err)
		walked = append(walked, p)
		return nil
	}))
	sort.Strings(walked)
	assert.Equal(t, []string{"/", "/a", "/a/b", "/a/b/c", "/a/file"}, walked)

	require.NoError(t, fs.Rename("a/file", "a/b/moved"))
	_, err = fs.Stat("a/b/moved")
	require.NoError(t, err)

	require.NoError(t, util.RemoveAll(fs, "a"))
	_, err = fs.Stat("a")
	assert.True(t, os.IsNotExist(err))
}

func TestSymlinksAndChange(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, util.WriteFile(fs, "target", []byte("x"), 0644))
	require.NoError(t, fs.Symlink("target", "link"))

	target, err := fs.Readlink("link")
	require.NoError(t, err)
	assert.Equal(t, "target", target)

	fi, err := fs.Lstat("link")
	require.NoError(t, err)
	assert.Equal(t, os.ModeSymlink, fi.Mode()&os.ModeType)
	fi, err = fs.Stat("link")
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())

	require.NoError(t, fs.Chmod("target", 0600))
	fi, err = fs.Stat("target")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode())

	require.NoError(t, fs.Chown("target", 7, 8))
	fi, err = fs.Stat("target")
	require.NoError(t, err)
	st := fi.Sys().(*vfs.Stat)
	assert.Equal(t, uint32(7), st.UID)
	assert.Equal(t, uint32(8), st.GID)

	assert.True(t, billy.CapabilityCheck(fs, billy.LockCapability|billy.TruncateCapability))
}

func TestChrootAndTempFile(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, fs.MkdirAll("jail/inner", 0755))

	jail, err := fs.Chroot("jail")
	require.NoError(t, err)
	assert.Equal(t, "/jail", jail.Root())
	require.NoError(t, util.WriteFile(jail, "inner/f", []byte("caged"), 0644))

	data, err := util.ReadFile(fs, "jail/inner/f")
	require.NoError(t, err)
	assert.Equal(t, "caged", string(data))

	require.NoError(t, fs.MkdirAll("tmp", 0755))
	tmp, err := fs.TempFile("tmp", "scratch-")
	require.NoError(t, err)
	assert.Equal(t, "tmp", filepath.Dir(tmp.Name()))
	require.NoError(t, tmp.Close())
	infos, err := fs.ReadDir("tmp")
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}
