package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsshell/internal/common"
)

// testDataFile creates a temporary data file for testing.
// Uses t.TempDir() which automatically cleans up after the test.
func testDataFile(t *testing.T) *DataFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	df, err := Create(path)
	require.NoError(t, err, "failed to create data file")
	t.Cleanup(func() { df.Close() })
	return df
}

// newFile creates a file node linked into parent.
func newFile(t *testing.T, df *DataFile, parent int64, name string) int64 {
	t.Helper()
	ino, err := df.CreateInode(DefaultFileMode)
	require.NoError(t, err)
	require.NoError(t, df.CreateDentry(parent, name, ino))
	return ino
}

func TestCreate(t *testing.T) {
	t.Parallel()

	t.Run("creates new file", func(t *testing.T) {
		t.Parallel()
		df := testDataFile(t)

		_, err := os.Stat(df.Path())
		assert.NoError(t, err, "data file should exist")

		root, err := df.GetInode(RootIno)
		require.NoError(t, err)
		assert.True(t, root.IsDir(), "root inode should be a directory")

		id, err := df.UUID()
		require.NoError(t, err)
		assert.Len(t, id, 36)
	})

	t.Run("fails when file already exists", func(t *testing.T) {
		t.Parallel()
		df := testDataFile(t)

		_, err := Create(df.Path())
		assert.ErrorIs(t, err, common.ErrExists)
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("reopens existing file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "reopen.db")
		df, err := Create(path)
		require.NoError(t, err)
		ino := newFile(t, df, RootIno, "kept.txt")
		require.NoError(t, df.WriteContent(ino, 0, []byte("kept")))
		require.NoError(t, df.Close())

		df2, err := Open(path)
		require.NoError(t, err)
		defer df2.Close()

		d, err := df2.Lookup(RootIno, "kept.txt")
		require.NoError(t, err)
		data, err := df2.ReadContent(d.Ino, 0, 100)
		require.NoError(t, err)
		assert.Equal(t, "kept", string(data))
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := Open(filepath.Join(t.TempDir(), "nope.db"))
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("second owner is refused", func(t *testing.T) {
		t.Parallel()
		df := testDataFile(t)

		_, err := Open(df.Path())
		assert.ErrorIs(t, err, common.ErrBusy)
	})

	t.Run("open or create", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "either.db")
		df, err := OpenOrCreate(path)
		require.NoError(t, err)
		require.NoError(t, df.Close())

		df, err = OpenOrCreate(path)
		require.NoError(t, err)
		assert.NoError(t, df.Close())
	})
}

func TestClose_RemovesWAL(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "wal.db")
	df, err := Create(path)
	require.NoError(t, err)
	newFile(t, df, RootIno, "a")
	require.NoError(t, df.Close())

	_, err = os.Stat(path + "-wal")
	assert.True(t, os.IsNotExist(err), "WAL file should be removed")
	assert.NoError(t, df.Close(), "second close is a no-op")
}

func TestDentries(t *testing.T) {
	t.Parallel()
	df := testDataFile(t)

	ino := newFile(t, df, RootIno, "a.txt")

	d, err := df.Lookup(RootIno, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, ino, d.Ino)

	inode, err := df.GetInode(ino)
	require.NoError(t, err)
	assert.Equal(t, int32(1), inode.Nlink)

	t.Run("duplicate name", func(t *testing.T) {
		other, err := df.CreateInode(DefaultFileMode)
		require.NoError(t, err)
		assert.ErrorIs(t, df.CreateDentry(RootIno, "a.txt", other), common.ErrExists)
	})

	t.Run("hard link", func(t *testing.T) {
		require.NoError(t, df.CreateDentry(RootIno, "b.txt", ino))
		inode, err := df.GetInode(ino)
		require.NoError(t, err)
		assert.Equal(t, int32(2), inode.Nlink)

		nlink, err := df.DeleteDentry(RootIno, "b.txt")
		require.NoError(t, err)
		assert.Equal(t, int32(1), nlink)
	})

	t.Run("list", func(t *testing.T) {
		dir, err := df.CreateInode(DefaultDirMode)
		require.NoError(t, err)
		require.NoError(t, df.CreateDentry(RootIno, "dir", dir))

		entries, err := df.ListDir(RootIno)
		require.NoError(t, err)
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name)
		}
		assert.Contains(t, names, "a.txt")
		assert.Contains(t, names, "dir")

		has, err := df.HasChildren(dir)
		require.NoError(t, err)
		assert.False(t, has)
		has, err = df.HasChildren(RootIno)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("find parent", func(t *testing.T) {
		p, err := df.FindParent(ino)
		require.NoError(t, err)
		assert.Equal(t, int64(RootIno), p.ParentIno)
		assert.Equal(t, "a.txt", p.Name)

		_, err = df.FindParent(RootIno)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := df.Lookup(RootIno, "missing")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = df.DeleteDentry(RootIno, "missing")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestRenameDentry(t *testing.T) {
	t.Parallel()

	t.Run("move", func(t *testing.T) {
		t.Parallel()
		df := testDataFile(t)
		ino := newFile(t, df, RootIno, "old")

		replaced, err := df.RenameDentry(RootIno, "old", RootIno, "new")
		require.NoError(t, err)
		assert.Zero(t, replaced)

		_, err = df.Lookup(RootIno, "old")
		assert.ErrorIs(t, err, common.ErrNotFound)
		d, err := df.Lookup(RootIno, "new")
		require.NoError(t, err)
		assert.Equal(t, ino, d.Ino)
	})

	t.Run("replace", func(t *testing.T) {
		t.Parallel()
		df := testDataFile(t)
		src := newFile(t, df, RootIno, "src")
		dst := newFile(t, df, RootIno, "dst")

		replaced, err := df.RenameDentry(RootIno, "src", RootIno, "dst")
		require.NoError(t, err)
		assert.Equal(t, dst, replaced)

		inode, err := df.GetInode(dst)
		require.NoError(t, err)
		assert.Zero(t, inode.Nlink)

		d, err := df.Lookup(RootIno, "dst")
		require.NoError(t, err)
		assert.Equal(t, src, d.Ino)
	})

	t.Run("missing source", func(t *testing.T) {
		t.Parallel()
		df := testDataFile(t)
		_, err := df.RenameDentry(RootIno, "ghost", RootIno, "x")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestContent(t *testing.T) {
	t.Parallel()

	t.Run("write and read", func(t *testing.T) {
		t.Parallel()
		df := testDataFile(t)
		ino := newFile(t, df, RootIno, "f")

		require.NoError(t, df.WriteContent(ino, 0, []byte("hello world")))
		data, err := df.ReadContent(ino, 6, 100)
		require.NoError(t, err)
		assert.Equal(t, "world", string(data))

		inode, err := df.GetInode(ino)
		require.NoError(t, err)
		assert.Equal(t, int64(11), inode.Size)
	})

	t.Run("spans chunks", func(t *testing.T) {
		t.Parallel()
		df := testDataFile(t)
		ino := newFile(t, df, RootIno, "big")

		payload := bytes.Repeat([]byte("0123456789abcdef"), ChunkSize/8)
		require.NoError(t, df.WriteContent(ino, 100, payload))

		data, err := df.ReadContent(ino, 0, 100+len(payload))
		require.NoError(t, err)
		require.Len(t, data, 100+len(payload))
		assert.Equal(t, make([]byte, 100), data[:100], "hole reads as zeros")
		assert.Equal(t, payload, data[100:])
	})

	t.Run("overwrite middle", func(t *testing.T) {
		t.Parallel()
		df := testDataFile(t)
		ino := newFile(t, df, RootIno, "m")

		require.NoError(t, df.WriteContent(ino, 0, []byte("aaaaaaaa")))
		require.NoError(t, df.WriteContent(ino, 2, []byte("BB")))
		data, err := df.ReadContent(ino, 0, 8)
		require.NoError(t, err)
		assert.Equal(t, "aaBBaaaa", string(data))
	})

	t.Run("read past end", func(t *testing.T) {
		t.Parallel()
		df := testDataFile(t)
		ino := newFile(t, df, RootIno, "e")
		require.NoError(t, df.WriteContent(ino, 0, []byte("abc")))

		data, err := df.ReadContent(ino, 3, 10)
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("truncate", func(t *testing.T) {
		t.Parallel()
		df := testDataFile(t)
		ino := newFile(t, df, RootIno, "t")

		payload := bytes.Repeat([]byte{'x'}, ChunkSize+10)
		require.NoError(t, df.WriteContent(ino, 0, payload))
		require.NoError(t, df.TruncateContent(ino, 5))

		inode, err := df.GetInode(ino)
		require.NoError(t, err)
		assert.Equal(t, int64(5), inode.Size)

		// Growing again must not resurrect old bytes
		require.NoError(t, df.TruncateContent(ino, 20))
		data, err := df.ReadContent(ino, 0, 20)
		require.NoError(t, err)
		assert.Equal(t, append([]byte("xxxxx"), make([]byte, 15)...), data)

		stats, err := df.GetStorageStats()
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Chunks)
	})
}

func TestConcurrentCreate(t *testing.T) {
	t.Parallel()
	df := testDataFile(t)

	const n = 16
	inos := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ino, err := df.CreateInode(DefaultFileMode)
			assert.NoError(t, err)
			inos[i] = ino
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, ino := range inos {
		assert.False(t, seen[ino], "inode %d allocated twice", ino)
		assert.Greater(t, ino, int64(RootIno))
		seen[ino] = true
	}
}

func TestUpdateInode(t *testing.T) {
	t.Parallel()
	df := testDataFile(t)
	ino := newFile(t, df, RootIno, "u")

	mode := uint32(ModeFile | 0600)
	mtime := time.Unix(1600000000, 0)
	require.NoError(t, df.UpdateInode(ino, &InodeUpdate{Mode: &mode, Mtime: &mtime}))

	inode, err := df.GetInode(ino)
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), inode.Permissions())
	assert.Equal(t, mtime.Unix(), inode.Mtime.Unix())

	assert.NoError(t, df.UpdateInode(ino, nil))
	assert.ErrorIs(t, df.UpdateInode(999, &InodeUpdate{Mode: &mode}), common.ErrNotFound)
}

func TestDeleteInode(t *testing.T) {
	t.Parallel()
	df := testDataFile(t)
	ino := newFile(t, df, RootIno, "gone")
	require.NoError(t, df.WriteContent(ino, 0, []byte("data")))
	require.NoError(t, df.SetAttr(ino, Attr{Name: "color", Data: []byte("red")}))

	_, err := df.DeleteDentry(RootIno, "gone")
	require.NoError(t, err)
	require.NoError(t, df.DeleteInode(ino))

	_, err = df.GetInode(ino)
	assert.ErrorIs(t, err, common.ErrNotFound)
	attrs, err := df.ListAttrs(ino)
	require.NoError(t, err)
	assert.Empty(t, attrs)

	assert.ErrorIs(t, df.DeleteInode(RootIno), common.ErrBusy)
}

func TestSymlinks(t *testing.T) {
	t.Parallel()
	df := testDataFile(t)

	ino, err := df.CreateInode(ModeSymlink | 0777)
	require.NoError(t, err)
	require.NoError(t, df.CreateSymlink(ino, "/etc/target"))

	target, err := df.ReadSymlink(ino)
	require.NoError(t, err)
	assert.Equal(t, "/etc/target", target)

	inode, err := df.GetInode(ino)
	require.NoError(t, err)
	assert.Equal(t, int64(len("/etc/target")), inode.Size)

	_, err = df.ReadSymlink(RootIno)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestAttrs(t *testing.T) {
	t.Parallel()
	df := testDataFile(t)
	a := newFile(t, df, RootIno, "a")
	b := newFile(t, df, RootIno, "b")

	require.NoError(t, df.SetAttr(a, Attr{Name: "z", Type: 1, Data: []byte("last")}))
	require.NoError(t, df.SetAttr(a, Attr{Name: "m", Type: 2}))

	attrs, err := df.ListAttrs(a)
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	assert.Equal(t, "m", attrs[0].Name)
	assert.Empty(t, attrs[0].Data)

	require.NoError(t, df.RenameAttr(a, "z", b, "moved"))
	_, err = df.GetAttr(a, "z")
	assert.ErrorIs(t, err, common.ErrNotFound)
	got, err := df.GetAttr(b, "moved")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.Type)
	assert.Equal(t, "last", string(got.Data))

	require.NoError(t, df.RemoveAttr(a, "m"))
	assert.ErrorIs(t, df.RemoveAttr(a, "m"), common.ErrNotFound)
	assert.ErrorIs(t, df.RenameAttr(a, "m", b, "x"), common.ErrNotFound)
}

func TestSchemaInfo(t *testing.T) {
	t.Parallel()
	df := testDataFile(t)
	ctx := context.Background()

	v, err := df.BunDB().GetSchemaInfo(ctx, "version")
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)

	require.NoError(t, df.BunDB().SetSchemaInfo(ctx, "label", "scratch"))
	require.NoError(t, df.BunDB().SetSchemaInfo(ctx, "label", "work"))
	v, err = df.BunDB().GetSchemaInfo(ctx, "label")
	require.NoError(t, err)
	assert.Equal(t, "work", v)

	v, err = df.BunDB().GetSchemaInfo(ctx, "unset")
	require.NoError(t, err)
	assert.Empty(t, v)

	assert.NoError(t, df.Checkpoint())
}

func TestPurgeOrphans(t *testing.T) {
	t.Parallel()
	df := testDataFile(t)

	kept := newFile(t, df, RootIno, "kept")
	gone := newFile(t, df, RootIno, "gone")
	require.NoError(t, df.SetAttr(gone, Attr{Name: "tag", Data: []byte("x")}))
	nlink, err := df.DeleteDentry(RootIno, "gone")
	require.NoError(t, err)
	require.Equal(t, int32(0), nlink)
	stray, err := df.CreateInode(DefaultFileMode)
	require.NoError(t, err)

	n, err := df.PurgeOrphans()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, ino := range []int64{gone, stray} {
		_, err := df.GetInode(ino)
		assert.ErrorIs(t, err, common.ErrNotFound)
	}
	_, err = df.GetInode(kept)
	assert.NoError(t, err)
	_, err = df.GetInode(RootIno)
	assert.NoError(t, err)

	n, err = df.PurgeOrphans()
	require.NoError(t, err)
	assert.Zero(t, n)
}
