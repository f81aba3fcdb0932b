package memfs_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsshell/internal/common"
	"fsshell/internal/fs/memfs"
	"fsshell/internal/vfs"
)

func setup(t *testing.T, args string) (*vfs.State, *vfs.IOContext, vfs.MountID) {
	t.Helper()
	s, err := vfs.New(vfs.Config{})
	require.NoError(t, err)
	require.NoError(t, s.RegisterFileSystem(memfs.New()))
	id, err := s.Mount("/", "", memfs.Name, 0, args)
	require.NoError(t, err)
	c, err := s.NewIOContext(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, c, id
}

func writeFile(t *testing.T, c *vfs.IOContext, path, content string) {
	t.Helper()
	fd, err := c.Open(path, vfs.OWrOnly|vfs.OCreate|vfs.OTrunc, 0644)
	require.NoError(t, err)
	_, err = c.Write(fd, -1, []byte(content))
	require.NoError(t, err)
	require.NoError(t, c.Close(fd))
}

func readFile(t *testing.T, c *vfs.IOContext, path string) string {
	t.Helper()
	fd, err := c.Open(path, vfs.ORdOnly, 0)
	require.NoError(t, err)
	defer c.Close(fd)
	buf := make([]byte, 4096)
	n, err := c.Read(fd, 0, buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func readAll(t *testing.T, c *vfs.IOContext, fd int) []string {
	t.Helper()
	var names []string
	for {
		entries, err := c.ReadDir(fd, 2)
		require.NoError(t, err)
		if len(entries) == 0 {
			return names
		}
		for _, e := range entries {
			names = append(names, e.Name)
		}
	}
}

func TestHardLinks(t *testing.T) {
	_, c, _ := setup(t, "")
	writeFile(t, c, "/a", "shared")
	require.NoError(t, c.Link("/b", "/a"))

	st, err := c.Stat("/b")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), st.Nlink)

	sta, err := c.Stat("/a")
	require.NoError(t, err)
	assert.Equal(t, st.Ino, sta.Ino)

	require.NoError(t, c.Unlink("/a"))
	assert.Equal(t, "shared", readFile(t, c, "/b"))
	st, err = c.Stat("/b")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), st.Nlink)

	require.NoError(t, c.Mkdir("/d", 0755))
	assert.ErrorIs(t, c.Link("/d2", "/d"), common.ErrPermission)
	assert.ErrorIs(t, c.Link("/b", "/b"), common.ErrExists)
}

func TestUnlinkWhileOpen(t *testing.T) {
	s, c, _ := setup(t, "")
	writeFile(t, c, "/f", "still here")

	fd, err := c.Open("/f", vfs.ORdOnly, 0)
	require.NoError(t, err)
	require.NoError(t, c.Unlink("/f"))

	_, err = c.Stat("/f")
	assert.ErrorIs(t, err, common.ErrNotFound)

	buf := make([]byte, 32)
	n, err := c.Read(fd, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf[:n]))

	info, err := s.ReadFsInfo(1)
	require.NoError(t, err)
	before := info.TotalNodes

	require.NoError(t, c.Close(fd))
	info, err = s.ReadFsInfo(1)
	require.NoError(t, err)
	assert.Equal(t, before-1, info.TotalNodes)
}

func TestRename(t *testing.T) {
	_, c, _ := setup(t, "")
	require.NoError(t, c.Mkdir("/src", 0755))
	require.NoError(t, c.Mkdir("/src/inner", 0755))
	require.NoError(t, c.Mkdir("/dst", 0755))
	writeFile(t, c, "/src/f", "one")
	writeFile(t, c, "/dst/g", "two")

	t.Run("replaces file", func(t *testing.T) {
		require.NoError(t, c.Rename("/src/f", "/dst/g"))
		assert.Equal(t, "one", readFile(t, c, "/dst/g"))
		_, err := c.Stat("/src/f")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("moves directory", func(t *testing.T) {
		require.NoError(t, c.Rename("/src/inner", "/dst/moved"))
		require.NoError(t, c.Chdir("/dst/moved"))
		cwd, err := c.Getcwd()
		require.NoError(t, err)
		assert.Equal(t, "/dst/moved", cwd)
		require.NoError(t, c.Chdir("/"))

		st, err := c.Stat("/dst")
		require.NoError(t, err)
		assert.Equal(t, uint32(3), st.Nlink)
		st, err = c.Stat("/src")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), st.Nlink)
	})

	t.Run("into own subtree", func(t *testing.T) {
		assert.ErrorIs(t, c.Rename("/dst", "/dst/moved/x"), common.ErrInvalidArgument)
	})

	t.Run("type mismatch", func(t *testing.T) {
		assert.ErrorIs(t, c.Rename("/dst/g", "/dst/moved"), common.ErrIsDir)
		assert.ErrorIs(t, c.Rename("/dst/moved", "/dst/g"), common.ErrNotDir)
		writeFile(t, c, "/src/busy", "x")
		assert.ErrorIs(t, c.Rename("/dst/moved", "/src"), common.ErrNotEmpty)
	})
}

func TestDirectories(t *testing.T) {
	_, c, _ := setup(t, "")
	require.NoError(t, c.Mkdir("/d", 0755))
	writeFile(t, c, "/d/b", "")
	writeFile(t, c, "/d/a", "")

	fd, err := c.Open("/d", vfs.ORdOnly, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "a", "b"}, readAll(t, c, fd))

	writeFile(t, c, "/d/c", "")
	require.NoError(t, c.RewindDir(fd))
	assert.Equal(t, []string{".", "..", "a", "b", "c"}, readAll(t, c, fd))
	require.NoError(t, c.Close(fd))

	assert.ErrorIs(t, c.Rmdir("/d"), common.ErrNotEmpty)
	assert.ErrorIs(t, c.Rmdir("/d/a"), common.ErrNotDir)
	assert.ErrorIs(t, c.Unlink("/d"), common.ErrIsDir)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, c.Unlink("/d/"+name))
	}
	require.NoError(t, c.Rmdir("/d"))
	_, err = c.Stat("/d")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSymlinks(t *testing.T) {
	_, c, _ := setup(t, "")
	writeFile(t, c, "/target", "via link")
	require.NoError(t, c.Symlink("/target", "/link", 0777))

	target, err := c.Readlink("/link")
	require.NoError(t, err)
	assert.Equal(t, "/target", target)
	assert.Equal(t, "via link", readFile(t, c, "/link"))

	st, err := c.Lstat("/link")
	require.NoError(t, err)
	assert.Equal(t, vfs.TypeSymlink, st.Type)
	assert.Equal(t, int64(len("/target")), st.Size)

	_, err = c.Readlink("/target")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestWriteStat(t *testing.T) {
	_, c, _ := setup(t, "")
	writeFile(t, c, "/f", "0123456789")

	require.NoError(t, c.WriteStat("/f", vfs.Stat{Size: 4, Mode: 0600}, vfs.StatSize|vfs.StatMode, true))
	st, err := c.Stat("/f")
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Size)
	assert.Equal(t, uint32(0600), st.Mode)
	assert.Equal(t, "0123", readFile(t, c, "/f"))

	require.NoError(t, c.Mkdir("/d", 0755))
	assert.ErrorIs(t, c.WriteStat("/d", vfs.Stat{Size: 1}, vfs.StatSize, true), common.ErrIsDir)
}

func TestAccess(t *testing.T) {
	_, c, _ := setup(t, "")
	require.NoError(t, c.Mkdir("/locked", 0644))
	writeFile(t, c, "/ro", "")
	require.NoError(t, c.WriteStat("/ro", vfs.Stat{Mode: 0444}, vfs.StatMode, true))

	assert.NoError(t, c.Access("/ro", vfs.AccessRead))
	assert.ErrorIs(t, c.Access("/ro", vfs.AccessWrite), common.ErrPermission)
	assert.ErrorIs(t, c.Chdir("/locked"), common.ErrPermission)
	_, err := c.Stat("/locked/anything")
	assert.ErrorIs(t, err, common.ErrPermission)
}

func TestAttributes(t *testing.T) {
	_, c, _ := setup(t, "")
	writeFile(t, c, "/f", "")
	writeFile(t, c, "/g", "")
	fd, err := c.Open("/f", vfs.ORdOnly, 0)
	require.NoError(t, err)
	gfd, err := c.Open("/g", vfs.ORdOnly, 0)
	require.NoError(t, err)

	afd, err := c.CreateAttr(fd, "color", 7, vfs.ORdWr)
	require.NoError(t, err)
	_, err = c.Write(afd, -1, []byte("blue"))
	require.NoError(t, err)
	st, err := c.Fstat(afd)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Size)
	assert.Equal(t, uint32(7), st.AttrType)
	require.NoError(t, c.Close(afd))

	_, err = c.CreateAttr(fd, "color", 7, vfs.ORdWr|vfs.OExcl)
	assert.ErrorIs(t, err, common.ErrExists)

	afd, err = c.CreateAttr(fd, "size", 1, vfs.OWrOnly)
	require.NoError(t, err)
	require.NoError(t, c.Close(afd))

	dfd, err := c.OpenAttrDir(fd)
	require.NoError(t, err)
	assert.Equal(t, []string{"color", "size"}, readAll(t, c, dfd))
	require.NoError(t, c.Close(dfd))

	afd, err = c.OpenAttr(fd, "color", vfs.ORdOnly)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := c.Read(afd, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "blue", string(buf[:n]))

	require.NoError(t, c.RemoveAttr(fd, "color"))
	_, err = c.Read(afd, 0, buf)
	assert.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, c.Close(afd))

	require.NoError(t, c.RenameAttr(fd, "size", gfd, "length"))
	_, err = c.OpenAttr(fd, "size", vfs.ORdOnly)
	assert.ErrorIs(t, err, common.ErrNotFound)
	afd, err = c.OpenAttr(gfd, "length", vfs.ORdWr)
	require.NoError(t, err)
	require.NoError(t, c.FWriteStat(afd, vfs.Stat{Size: 3}, vfs.StatSize))
	assert.ErrorIs(t, c.FWriteStat(afd, vfs.Stat{}, vfs.StatMode), common.ErrNotSupported)
	require.NoError(t, c.Close(afd))

	require.NoError(t, c.Close(fd))
	require.NoError(t, c.Close(gfd))
}

func TestIndicesAndQueries(t *testing.T) {
	s, c, id := setup(t, "")
	require.NoError(t, c.Mkdir("/docs", 0755))
	writeFile(t, c, "/docs/a.txt", "")
	writeFile(t, c, "/docs/b.md", "")
	writeFile(t, c, "/c.txt", "")

	tag := func(path, value string) {
		fd, err := c.Open(path, vfs.ORdOnly, 0)
		require.NoError(t, err)
		afd, err := c.CreateAttr(fd, "tag", 0, vfs.OWrOnly)
		require.NoError(t, err)
		_, err = c.Write(afd, 0, []byte(value))
		require.NoError(t, err)
		require.NoError(t, c.Close(afd))
		require.NoError(t, c.Close(fd))
	}
	tag("/docs/a.txt", "work")
	tag("/c.txt", "home")

	qfd, err := c.OpenQuery(id, "*.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.txt", "a.txt"}, readAll(t, c, qfd))
	require.NoError(t, c.RewindDir(qfd))
	entries, err := c.ReadDir(qfd, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id, entries[0].Dev)
	require.NoError(t, c.Close(qfd))

	_, err = c.OpenQuery(id, `tag=="w*"`, 0)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, s.CreateIndex(id, "tag", 0, 0))
	assert.ErrorIs(t, s.CreateIndex(id, "tag", 0, 0), common.ErrExists)
	assert.ErrorIs(t, s.CreateIndex(id, "name", 0, 0), common.ErrExists)

	st, err := s.StatIndex(id, "tag")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Size)

	qfd, err = c.OpenQuery(id, `tag=="w*"`, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, readAll(t, c, qfd))
	require.NoError(t, c.Close(qfd))

	ifd, err := c.OpenIndexDir(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"tag"}, readAll(t, c, ifd))
	require.NoError(t, c.Close(ifd))

	require.NoError(t, s.RemoveIndex(id, "tag"))
	assert.ErrorIs(t, s.RemoveIndex(id, "tag"), common.ErrNotFound)
	_, err = c.OpenQuery(id, `tag==unquoted`, 0)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestIoctl(t *testing.T) {
	_, c, _ := setup(t, "")
	writeFile(t, c, "/f", "12345")
	fd, err := c.Open("/f", vfs.ORdOnly, 0)
	require.NoError(t, err)
	defer c.Close(fd)

	buf := make([]byte, 8)
	require.NoError(t, c.Ioctl(fd, memfs.IoctlGetSize, buf))
	assert.Equal(t, uint64(5), binary.LittleEndian.Uint64(buf))
	assert.ErrorIs(t, c.Ioctl(fd, memfs.IoctlGetSize, buf[:4]), common.ErrInvalidArgument)
	assert.ErrorIs(t, c.Ioctl(fd, 99, buf), common.ErrInvalidArgument)
}

func TestFsInfo(t *testing.T) {
	s, c, id := setup(t, "name=scratch")
	writeFile(t, c, "/f", "data")

	info, err := s.ReadFsInfo(id)
	require.NoError(t, err)
	assert.Equal(t, "scratch", info.VolumeName)
	assert.Equal(t, memfs.Name, info.FsName)
	assert.Equal(t, memfs.RootID, info.Root)
	assert.Equal(t, int64(2), info.TotalNodes)
	assert.Equal(t, int64(4096), info.BlockSize)

	require.NoError(t, s.WriteFsInfo(id, vfs.FsInfo{VolumeName: "renamed"}, vfs.FsInfoName))
	info, err = s.ReadFsInfo(id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", info.VolumeName)
	assert.ErrorIs(t, s.WriteFsInfo(id, vfs.FsInfo{}, vfs.FsInfoName), common.ErrInvalidArgument)
}
