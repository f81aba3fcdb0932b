// Package billyfs exposes an IOContext as a go-billy filesystem, so code
// written against billy (helpers, walkers, importers) runs on top of the VFS.
package billyfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	"github.com/go-git/go-billy/v5/util"

	"fsshell/internal/common"
	"fsshell/internal/vfs"
)

// readDirBatch is the number of entries fetched per ReadDir call.
const readDirBatch = 64

// Filesystem adapts an IOContext to billy.Filesystem. Paths are taken
// relative to the VFS root regardless of the context's working directory.
type Filesystem struct {
	ctx *vfs.IOContext
}

var (
	_ billy.Filesystem = (*Filesystem)(nil)
	_ billy.Change     = (*Filesystem)(nil)
	_ billy.Capable    = (*Filesystem)(nil)
)

// New returns a billy filesystem backed by ctx.
func New(ctx *vfs.IOContext) *Filesystem {
	return &Filesystem{ctx: ctx}
}

// Context returns the IOContext behind the filesystem.
func (b *Filesystem) Context() *vfs.IOContext {
	return b.ctx
}

func abs(name string) string {
	return path.Join("/", name)
}

// pathError converts a VFS error into the *fs.PathError shape billy callers
// test with os.IsNotExist and friends.
func pathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &fs.PathError{Op: op, Path: name, Err: vfs.ToErrno(err)}
}

func openMode(flag int) vfs.OpenMode {
	var mode vfs.OpenMode
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		mode = vfs.OWrOnly
	case os.O_RDWR:
		mode = vfs.ORdWr
	default:
		mode = vfs.ORdOnly
	}
	if flag&os.O_CREATE != 0 {
		mode |= vfs.OCreate
	}
	if flag&os.O_EXCL != 0 {
		mode |= vfs.OExcl
	}
	if flag&os.O_TRUNC != 0 {
		mode |= vfs.OTrunc
	}
	if flag&os.O_APPEND != 0 {
		mode |= vfs.OAppend
	}
	return mode
}

func (b *Filesystem) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0666)
}

func (b *Filesystem) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

// OpenFile opens filename. With O_CREATE missing parent directories are
// created, as billy's own filesystems do.
func (b *Filesystem) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&os.O_CREATE != 0 {
		if err := b.MkdirAll(path.Dir(abs(filename)), 0755); err != nil {
			return nil, err
		}
	}
	fd, err := b.ctx.Open(abs(filename), openMode(flag), uint32(perm.Perm()))
	if err != nil {
		return nil, pathError("open", filename, err)
	}
	return &File{ctx: b.ctx, fd: fd, name: filename}, nil
}

func (b *Filesystem) Stat(filename string) (os.FileInfo, error) {
	st, err := b.ctx.Stat(abs(filename))
	if err != nil {
		return nil, pathError("stat", filename, err)
	}
	return newFileInfo(path.Base(filename), st), nil
}

func (b *Filesystem) Lstat(filename string) (os.FileInfo, error) {
	st, err := b.ctx.Lstat(abs(filename))
	if err != nil {
		return nil, pathError("lstat", filename, err)
	}
	return newFileInfo(path.Base(filename), st), nil
}

func (b *Filesystem) Rename(oldpath, newpath string) error {
	return pathError("rename", oldpath, b.ctx.Rename(abs(oldpath), abs(newpath)))
}

// Remove deletes a file or an empty directory.
func (b *Filesystem) Remove(filename string) error {
	err := b.ctx.Unlink(abs(filename))
	if errors.Is(err, common.ErrIsDir) {
		err = b.ctx.Rmdir(abs(filename))
	}
	return pathError("remove", filename, err)
}

func (b *Filesystem) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *Filesystem) TempFile(dir, prefix string) (billy.File, error) {
	return util.TempFile(b, dir, prefix)
}

func (b *Filesystem) ReadDir(dirname string) ([]os.FileInfo, error) {
	dir := abs(dirname)
	fd, err := b.ctx.OpenDir(dir)
	if err != nil {
		return nil, pathError("readdir", dirname, err)
	}
	defer b.ctx.Close(fd)

	var result []os.FileInfo
	for {
		entries, err := b.ctx.ReadDir(fd, readDirBatch)
		if err != nil {
			return nil, pathError("readdir", dirname, err)
		}
		if len(entries) == 0 {
			return result, nil
		}
		for _, e := range entries {
			if common.IsDotName(e.Name) {
				continue
			}
			st, err := b.ctx.Lstat(path.Join(dir, e.Name))
			if err != nil {
				// raced with a removal
				continue
			}
			result = append(result, newFileInfo(e.Name, st))
		}
	}
}

// MkdirAll creates filename and any missing parents.
func (b *Filesystem) MkdirAll(filename string, perm os.FileMode) error {
	current := "/"
	for _, part := range strings.Split(abs(filename), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		err := b.ctx.Mkdir(current, uint32(perm.Perm()))
		if err == nil {
			continue
		}
		if !errors.Is(err, common.ErrExists) {
			return pathError("mkdir", filename, err)
		}
		st, serr := b.ctx.Stat(current)
		if serr != nil {
			return pathError("mkdir", filename, serr)
		}
		if st.Type != vfs.TypeDirectory {
			return pathError("mkdir", filename, common.ErrNotDir)
		}
	}
	return nil
}

func (b *Filesystem) Symlink(target, link string) error {
	return pathError("symlink", link, b.ctx.Symlink(target, abs(link), 0777))
}

func (b *Filesystem) Readlink(link string) (string, error) {
	target, err := b.ctx.Readlink(abs(link))
	if err != nil {
		return "", pathError("readlink", link, err)
	}
	return target, nil
}

func (b *Filesystem) Chroot(p string) (billy.Filesystem, error) {
	return chroot.New(b, abs(p)), nil
}

func (b *Filesystem) Root() string {
	return "/"
}

func (b *Filesystem) Chmod(name string, mode os.FileMode) error {
	st := vfs.Stat{Mode: uint32(mode.Perm())}
	return pathError("chmod", name, b.ctx.WriteStat(abs(name), st, vfs.StatMode, true))
}

func (b *Filesystem) Lchown(name string, uid, gid int) error {
	st := vfs.Stat{UID: uint32(uid), GID: uint32(gid)}
	return pathError("lchown", name, b.ctx.WriteStat(abs(name), st, vfs.StatUID|vfs.StatGID, false))
}

func (b *Filesystem) Chown(name string, uid, gid int) error {
	st := vfs.Stat{UID: uint32(uid), GID: uint32(gid)}
	return pathError("chown", name, b.ctx.WriteStat(abs(name), st, vfs.StatUID|vfs.StatGID, true))
}

func (b *Filesystem) Chtimes(name string, atime, mtime time.Time) error {
	st := vfs.Stat{Atime: atime, Mtime: mtime}
	return pathError("chtimes", name, b.ctx.WriteStat(abs(name), st, vfs.StatAtime|vfs.StatMtime, true))
}

func (b *Filesystem) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability |
		billy.TruncateCapability | billy.LockCapability
}

// File is an open descriptor of the IOContext.
type File struct {
	ctx  *vfs.IOContext
	fd   int
	name string
}

func (f *File) Name() string {
	return f.name
}

// Descriptor returns the IOContext descriptor behind the file.
func (f *File) Descriptor() int {
	return f.fd
}

func (f *File) Write(p []byte) (int, error) {
	n, err := f.ctx.Write(f.fd, -1, p)
	return n, pathError("write", f.name, err)
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, pathError("writeat", f.name, common.ErrInvalidArgument)
	}
	n, err := f.ctx.Write(f.fd, off, p)
	return n, pathError("writeat", f.name, err)
}

func (f *File) Read(p []byte) (int, error) {
	n, err := f.ctx.Read(f.fd, -1, p)
	if err != nil {
		return n, pathError("read", f.name, err)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, pathError("readat", f.name, common.ErrInvalidArgument)
	}
	n, err := f.ctx.Read(f.fd, off, p)
	if err != nil {
		return n, pathError("readat", f.name, err)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	pos, err := f.ctx.Seek(f.fd, offset, whence)
	return pos, pathError("seek", f.name, err)
}

func (f *File) Close() error {
	return pathError("close", f.name, f.ctx.Close(f.fd))
}

func (f *File) Lock() error {
	return pathError("lock", f.name, f.ctx.LockNode(f.fd))
}

func (f *File) Unlock() error {
	return pathError("unlock", f.name, f.ctx.UnlockNode(f.fd))
}

func (f *File) Truncate(size int64) error {
	return pathError("truncate", f.name, f.ctx.FWriteStat(f.fd, vfs.Stat{Size: size}, vfs.StatSize))
}

// Stat returns the file's info through its descriptor.
func (f *File) Stat() (os.FileInfo, error) {
	st, err := f.ctx.Fstat(f.fd)
	if err != nil {
		return nil, pathError("stat", f.name, err)
	}
	return newFileInfo(path.Base(f.name), st), nil
}

// FileInfo reports a vfs.Stat through os.FileInfo. Sys returns the *vfs.Stat.
type FileInfo struct {
	name string
	st   vfs.Stat
}

func newFileInfo(name string, st vfs.Stat) *FileInfo {
	return &FileInfo{name: name, st: st}
}

func (fi *FileInfo) Name() string       { return fi.name }
func (fi *FileInfo) Size() int64        { return fi.st.Size }
func (fi *FileInfo) ModTime() time.Time { return fi.st.Mtime }
func (fi *FileInfo) IsDir() bool        { return fi.st.Type == vfs.TypeDirectory }
func (fi *FileInfo) Sys() any           { return &fi.st }

func (fi *FileInfo) Mode() os.FileMode {
	mode := os.FileMode(fi.st.Mode & 0777)
	switch fi.st.Type {
	case vfs.TypeDirectory:
		mode |= os.ModeDir
	case vfs.TypeSymlink:
		mode |= os.ModeSymlink
	}
	return mode
}
