package sqlfs_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsshell/internal/common"
	"fsshell/internal/fs/memfs"
	"fsshell/internal/fs/sqlfs"
	"fsshell/internal/storage"
	"fsshell/internal/vfs"
)

// setup mounts memfs at "/", creates /data for sqlfs volumes and returns a
// device path in a directory that outlives the state.
func setup(t *testing.T) (*vfs.State, *vfs.IOContext, string) {
	t.Helper()
	device := filepath.Join(t.TempDir(), "vol.db")
	s, err := vfs.New(vfs.Config{})
	require.NoError(t, err)
	require.NoError(t, s.RegisterFileSystem(memfs.New()))
	require.NoError(t, s.RegisterFileSystem(sqlfs.New()))
	_, err = s.Mount("/", "", memfs.Name, 0, "")
	require.NoError(t, err)
	c, err := s.NewIOContext(nil)
	require.NoError(t, err)
	require.NoError(t, c.Mkdir("/data", 0755))
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, c, device
}

func mountVolume(t *testing.T, s *vfs.State, device string, flags vfs.MountFlags, args string) vfs.MountID {
	t.Helper()
	id, err := s.Mount("/data", device, sqlfs.Name, flags, args)
	require.NoError(t, err)
	return id
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
	var out []byte
	buf := make([]byte, 7)
	for {
		n, err := c.Read(fd, -1, buf)
		require.NoError(t, err)
		if n == 0 {
			return string(out)
		}
		out = append(out, buf[:n]...)
	}
}

func readAll(t *testing.T, c *vfs.IOContext, path string) []string {
	t.Helper()
	fd, err := c.OpenDir(path)
	require.NoError(t, err)
	defer c.Close(fd)
	var names []string
	for {
		entries, err := c.ReadDir(fd, 3)
		require.NoError(t, err)
		if len(entries) == 0 {
			return names
		}
		for _, e := range entries {
			names = append(names, e.Name)
		}
	}
}

func TestPersistsAcrossMounts(t *testing.T) {
	s, c, device := setup(t)
	mountVolume(t, s, device, 0, "")

	require.NoError(t, c.Mkdir("/data/docs", 0750))
	writeFile(t, c, "/data/docs/readme", "hello from sqlite")
	require.NoError(t, c.Symlink("docs/readme", "/data/link", 0777))
	require.NoError(t, c.Link("/data/hard", "/data/docs/readme"))

	fd, err := c.Open("/data/docs/readme", vfs.ORdOnly, 0)
	require.NoError(t, err)
	afd, err := c.CreateAttr(fd, "author", 3, vfs.OWrOnly)
	require.NoError(t, err)
	_, err = c.Write(afd, -1, []byte("ada"))
	require.NoError(t, err)
	require.NoError(t, c.Close(afd))
	require.NoError(t, c.Close(fd))

	require.NoError(t, s.Unmount("/data", 0))
	_, err = c.Stat("/data/docs")
	assert.ErrorIs(t, err, common.ErrNotFound)

	mountVolume(t, s, device, 0, "")
	assert.Equal(t, "hello from sqlite", readFile(t, c, "/data/link"))
	assert.Equal(t, []string{".", "..", "docs", "hard", "link"}, readAll(t, c, "/data"))

	st, err := c.Stat("/data/docs")
	require.NoError(t, err)
	assert.Equal(t, vfs.TypeDirectory, st.Type)
	assert.Equal(t, uint32(0750), st.Mode)

	st, err = c.Stat("/data/hard")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), st.Nlink)
	assert.Equal(t, int64(len("hello from sqlite")), st.Size)

	target, err := c.Readlink("/data/link")
	require.NoError(t, err)
	assert.Equal(t, "docs/readme", target)

	fd, err = c.Open("/data/hard", vfs.ORdOnly, 0)
	require.NoError(t, err)
	afd, err = c.OpenAttr(fd, "author", vfs.ORdOnly)
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := c.Read(afd, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "ada", string(buf[:n]))
	ast, err := c.Fstat(afd)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), ast.AttrType)
	require.NoError(t, c.Close(afd))
	require.NoError(t, c.Close(fd))
}

func TestMountCrossing(t *testing.T) {
	s, c, device := setup(t)
	id := mountVolume(t, s, device, 0, "")
	require.NoError(t, c.Mkdir("/data/sub", 0755))

	st, err := c.Stat("/data")
	require.NoError(t, err)
	assert.Equal(t, id, st.Dev)
	assert.Equal(t, sqlfs.RootID, st.Ino)

	require.NoError(t, c.Chdir("/data/sub"))
	cwd, err := c.Getcwd()
	require.NoError(t, err)
	assert.Equal(t, "/data/sub", cwd)

	up, err := c.Stat("../..")
	require.NoError(t, err)
	root, err := c.Stat("/")
	require.NoError(t, err)
	assert.Equal(t, root.Dev, up.Dev)
	assert.Equal(t, root.Ino, up.Ino)
	require.NoError(t, c.Chdir("/"))

	assert.ErrorIs(t, c.Rename("/data/sub", "/sub"), common.ErrCrossDevice)
}

func TestLargeFile(t *testing.T) {
	s, c, device := setup(t)
	mountVolume(t, s, device, 0, "")

	data := make([]byte, storage.ChunkSize*2+100)
	for i := range data {
		data[i] = byte(i % 251)
	}
	fd, err := c.Open("/data/big", vfs.ORdWr|vfs.OCreate, 0644)
	require.NoError(t, err)
	n, err := c.Write(fd, 0, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	buf := make([]byte, 200)
	n, err = c.Read(fd, storage.ChunkSize-100, buf)
	require.NoError(t, err)
	assert.Equal(t, data[storage.ChunkSize-100:storage.ChunkSize+100], buf[:n])

	require.NoError(t, c.FWriteStat(fd, vfs.Stat{Size: 10}, vfs.StatSize))
	st, err := c.Fstat(fd)
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Size)
	n, err = c.Read(fd, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, data[:10], buf[:n])
	require.NoError(t, c.Close(fd))
}

func TestUnlinkWhileOpen(t *testing.T) {
	s, c, device := setup(t)
	id := mountVolume(t, s, device, 0, "")
	writeFile(t, c, "/data/f", "still here")

	info, err := s.ReadFsInfo(id)
	require.NoError(t, err)
	require.Equal(t, int64(2), info.TotalNodes)

	fd, err := c.Open("/data/f", vfs.ORdOnly, 0)
	require.NoError(t, err)
	require.NoError(t, c.Unlink("/data/f"))
	_, err = c.Stat("/data/f")
	assert.ErrorIs(t, err, common.ErrNotFound)

	buf := make([]byte, 32)
	n, err := c.Read(fd, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf[:n]))

	info, err = s.ReadFsInfo(id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.TotalNodes)

	require.NoError(t, c.Close(fd))
	info, err = s.ReadFsInfo(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.TotalNodes)
}

func TestNamespaceErrors(t *testing.T) {
	s, c, device := setup(t)
	mountVolume(t, s, device, 0, "")
	require.NoError(t, c.Mkdir("/data/d", 0755))
	require.NoError(t, c.Mkdir("/data/d/inner", 0755))
	require.NoError(t, c.Mkdir("/data/empty", 0755))
	writeFile(t, c, "/data/f", "one")
	writeFile(t, c, "/data/g", "two")

	assert.ErrorIs(t, c.Mkdir("/data/d", 0755), common.ErrExists)
	_, err := c.Open("/data/f", vfs.OWrOnly|vfs.OCreate|vfs.OExcl, 0644)
	assert.ErrorIs(t, err, common.ErrExists)
	assert.ErrorIs(t, c.Rmdir("/data/d"), common.ErrNotEmpty)
	assert.ErrorIs(t, c.Rmdir("/data/f"), common.ErrNotDir)
	assert.ErrorIs(t, c.Unlink("/data/d"), common.ErrIsDir)
	assert.ErrorIs(t, c.Link("/data/d2", "/data/d"), common.ErrPermission)
	assert.ErrorIs(t, c.Rename("/data/d", "/data/d/inner/x"), common.ErrInvalidArgument)
	assert.ErrorIs(t, c.Rename("/data/f", "/data/empty"), common.ErrIsDir)
	assert.ErrorIs(t, c.Rename("/data/empty", "/data/f"), common.ErrNotDir)
	assert.ErrorIs(t, c.Rename("/data/empty", "/data/d"), common.ErrNotEmpty)

	require.NoError(t, c.Rename("/data/g", "/data/f"))
	assert.Equal(t, "two", readFile(t, c, "/data/f"))
	_, err = c.Stat("/data/g")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, c.Rename("/data/d/inner", "/data/empty"))
	require.NoError(t, c.Rmdir("/data/d"))
	require.NoError(t, c.Rmdir("/data/empty"))
	assert.Equal(t, []string{".", "..", "f"}, readAll(t, c, "/data"))
}

func TestWriteStat(t *testing.T) {
	s, c, device := setup(t)
	mountVolume(t, s, device, 0, "")
	writeFile(t, c, "/data/f", "")

	require.NoError(t, c.WriteStat("/data/f", vfs.Stat{Mode: 0600, UID: 42}, vfs.StatMode|vfs.StatUID, true))
	st, err := c.Stat("/data/f")
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), st.Mode)
	assert.Equal(t, uint32(42), st.UID)
	assert.Equal(t, vfs.TypeFile, st.Type)

	require.NoError(t, c.WriteStat("/data/f", vfs.Stat{Mode: 0}, vfs.StatMode, true))
	assert.ErrorIs(t, c.Access("/data/f", vfs.AccessRead), common.ErrPermission)
}

func TestOrphansPurgedAtMount(t *testing.T) {
	s, _, device := setup(t)
	df, err := storage.Create(device)
	require.NoError(t, err)
	_, err = df.CreateInode(storage.DefaultFileMode)
	require.NoError(t, err)
	require.NoError(t, df.Close())

	id := mountVolume(t, s, device, 0, "")
	info, err := s.ReadFsInfo(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.TotalNodes)
}

func TestReadOnlyMount(t *testing.T) {
	s, c, device := setup(t)

	_, err := s.Mount("/data", device, sqlfs.Name, vfs.MountReadOnly, "")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = s.Mount("/data", "", sqlfs.Name, 0, "")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	mountVolume(t, s, device, 0, "")
	writeFile(t, c, "/data/f", "frozen")
	require.NoError(t, s.Unmount("/data", 0))

	mountVolume(t, s, device, vfs.MountReadOnly, "")
	assert.Equal(t, "frozen", readFile(t, c, "/data/f"))
	_, err = c.Open("/data/f", vfs.OWrOnly, 0)
	assert.ErrorIs(t, err, common.ErrReadOnly)
	assert.ErrorIs(t, c.Unlink("/data/f"), common.ErrReadOnly)
}

func TestDeviceInUse(t *testing.T) {
	s, c, device := setup(t)
	mountVolume(t, s, device, 0, "")

	require.NoError(t, c.Mkdir("/other", 0755))
	_, err := s.Mount("/other", device, sqlfs.Name, 0, "")
	assert.ErrorIs(t, err, common.ErrBusy)
}

func TestFsInfo(t *testing.T) {
	s, _, dev := setup(t)
	device := filepath.Join(filepath.Dir(dev), "archive.db")
	id := mountVolume(t, s, device, 0, "")

	info, err := s.ReadFsInfo(id)
	require.NoError(t, err)
	assert.Equal(t, "archive", info.VolumeName)
	assert.Equal(t, sqlfs.Name, info.FsName)
	assert.Equal(t, device, info.DeviceName)
	assert.Equal(t, int64(storage.ChunkSize), info.BlockSize)

	require.NoError(t, s.WriteFsInfo(id, vfs.FsInfo{VolumeName: "renamed"}, vfs.FsInfoName))
	info, err = s.ReadFsInfo(id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", info.VolumeName)
	require.NoError(t, s.Sync())

	require.NoError(t, s.Unmount("/data", 0))
	id = mountVolume(t, s, device, 0, "name=labelled")
	info, err = s.ReadFsInfo(id)
	require.NoError(t, err)
	assert.Equal(t, "labelled", info.VolumeName)
}
