package vfs_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fsshell/internal/fs/memfs"
	"fsshell/internal/util"
	"fsshell/internal/vfs"
)

// quickRetry gives up on busy vnodes after a few milliseconds.
var quickRetry = vfs.Config{
	BusyRetry: util.BackoffConfig{Attempts: 3, Delay: time.Millisecond, MaxDelay: time.Millisecond},
}

func setup(t *testing.T, cfg vfs.Config, extra ...vfs.FileSystem) (*vfs.State, *vfs.IOContext) {
	t.Helper()
	s, err := vfs.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.RegisterFileSystem(memfs.New()))
	for _, fs := range extra {
		require.NoError(t, s.RegisterFileSystem(fs))
	}
	_, err = s.Mount("/", "", memfs.Name, 0, "")
	require.NoError(t, err)
	c, err := s.NewIOContext(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, c
}

func mountAt(t *testing.T, s *vfs.State, c *vfs.IOContext, path, fsName string) vfs.MountID {
	t.Helper()
	require.NoError(t, c.Mkdir(path, 0755))
	id, err := s.Mount(path, "", fsName, 0, "")
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

func listDir(t *testing.T, c *vfs.IOContext, path string) map[string]vfs.DirEntry {
	t.Helper()
	fd, err := c.OpenDir(path)
	require.NoError(t, err)
	defer c.Close(fd)
	out := make(map[string]vfs.DirEntry)
	for {
		entries, err := c.ReadDir(fd, 8)
		require.NoError(t, err)
		if len(entries) == 0 {
			return out
		}
		for _, e := range entries {
			out[e.Name] = e
		}
	}
}

// spyFS serves memfs volumes through spyVolume, which counts and can
// stall driver calls.
type spyFS struct {
	name     string
	getDelay time.Duration

	// when readGate is set, Read signals readEntered and waits for the gate
	readGate    chan struct{}
	readEntered chan struct{}

	gets    atomic.Int32
	closes  atomic.Int32
	puts    atomic.Int32
	removes atomic.Int32

	host *vfs.Host
}

func newSpy(name string) *spyFS {
	return &spyFS{name: name}
}

func (f *spyFS) Name() string { return f.name }

func (f *spyFS) Mount(host *vfs.Host, device string, flags vfs.MountFlags, args string) (vfs.Volume, vfs.NodeID, error) {
	vol, root, err := memfs.New().Mount(host, device, flags, args)
	if err != nil {
		return nil, 0, err
	}
	f.host = host
	return &spyVolume{Volume: vol, fs: f}, root, nil
}

type spyVolume struct {
	vfs.Volume
	fs *spyFS
}

func (v *spyVolume) GetVnode(id vfs.NodeID) (vfs.Node, vfs.NodeType, error) {
	v.fs.gets.Add(1)
	if v.fs.getDelay > 0 {
		time.Sleep(v.fs.getDelay)
	}
	return v.Volume.GetVnode(id)
}

func (v *spyVolume) Read(n vfs.Node, cookie vfs.Cookie, pos int64, buf []byte) (int, error) {
	if v.fs.readGate != nil {
		v.fs.readEntered <- struct{}{}
		<-v.fs.readGate
	}
	return v.Volume.Read(n, cookie, pos, buf)
}

func (v *spyVolume) Close(n vfs.Node, cookie vfs.Cookie) error {
	v.fs.closes.Add(1)
	return v.Volume.Close(n, cookie)
}

// foreignNode marks vnodes a test registered directly through the host.
type foreignNode string

func (v *spyVolume) PutVnode(n vfs.Node) error {
	v.fs.puts.Add(1)
	if _, ok := n.(foreignNode); ok {
		return nil
	}
	return v.Volume.PutVnode(n)
}

func (v *spyVolume) RemoveVnode(n vfs.Node) error {
	v.fs.removes.Add(1)
	if _, ok := n.(foreignNode); ok {
		return nil
	}
	return v.Volume.RemoveVnode(n)
}
