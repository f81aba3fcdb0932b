// Package harness boots a vfs.State with the bundled drivers and drives it
// from settings files and line-oriented scripts.
package harness

import (
	"fmt"
	"io"
	"os"
	"path"

	log "github.com/sirupsen/logrus"

	"fsshell/internal/billyfs"
	"fsshell/internal/fs/memfs"
	"fsshell/internal/fs/sqlfs"
	"fsshell/internal/storage"
	"fsshell/internal/vfs"
)

// Session is a booted State with the context scripts run in.
type Session struct {
	Settings *Settings
	State    *vfs.State
	Ctx      *vfs.IOContext
	FS       *billyfs.Filesystem
	Out      io.Writer
}

// Boot builds a State from settings, mounts memfs at "/" and then every
// configured mount in order.
func Boot(settings *Settings) (*Session, error) {
	if settings == nil {
		var err error
		if settings, err = DefaultSettings(); err != nil {
			return nil, err
		}
	}
	storage.SetConfigBusyTimeout(settings.SQLiteBusyTimeout)

	s, err := vfs.New(settings.VFSConfig())
	if err != nil {
		return nil, err
	}
	for _, fs := range []vfs.FileSystem{memfs.New(), sqlfs.New()} {
		if err := s.RegisterFileSystem(fs); err != nil {
			_ = s.Shutdown()
			return nil, err
		}
	}
	if _, err := s.Mount("/", "", memfs.Name, 0, "name=root"); err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("mount root: %w", err)
	}
	ctx, err := s.NewIOContext(nil)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}

	sess := &Session{
		Settings: settings,
		State:    s,
		Ctx:      ctx,
		FS:       billyfs.New(ctx),
		Out:      os.Stdout,
	}
	for _, m := range settings.Mounts {
		if err := sess.mount(m); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("mount %s: %w", m.Path, err)
		}
	}
	log.Infof("[harness] booted with %d configured mounts", len(settings.Mounts))
	return sess, nil
}

func (sess *Session) mount(m MountSpec) error {
	p := path.Clean("/" + m.Path)
	if err := sess.FS.MkdirAll(p, 0755); err != nil {
		return err
	}
	var flags vfs.MountFlags
	if m.ReadOnly {
		flags |= vfs.MountReadOnly
	}
	_, err := sess.State.Mount(p, expandHome(m.Device), m.FS, flags, m.Args)
	return err
}

// Close shuts the State down, unmounting every volume.
func (sess *Session) Close() error {
	return sess.State.Shutdown()
}
