package harness

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/shlex"
	log "github.com/sirupsen/logrus"

	"fsshell/internal/common"
	"fsshell/internal/vfs"
)

// AttrTypeString tags attributes written by `attr set`.
const AttrTypeString uint32 = 0x43535452 // 'CSTR'

var (
	dirColor  = color.New(color.FgBlue, color.Bold)
	linkColor = color.New(color.FgCyan)
)

// LineError reports the script line a command failed on.
type LineError struct {
	Line    int
	Command string
	Err     error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s: %v", e.Line, e.Command, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

type command struct {
	usage string
	min   int
	max   int // -1 for unbounded
	run   func(sess *Session, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"mkdir":    {"mkdir <path> [mode]", 1, 2, cmdMkdir},
		"mkdirs":   {"mkdirs <path>", 1, 1, cmdMkdirs},
		"write":    {"write <path> [text...]", 1, -1, cmdWrite},
		"append":   {"append <path> [text...]", 1, -1, cmdAppend},
		"cat":      {"cat <path>...", 1, -1, cmdCat},
		"ls":       {"ls [-l] [path]", 0, 2, cmdLs},
		"tree":     {"tree [path]", 0, 1, cmdTree},
		"rm":       {"rm <path>...", 1, -1, cmdRm},
		"rmr":      {"rmr <path>...", 1, -1, cmdRmr},
		"rmdir":    {"rmdir <path>", 1, 1, cmdRmdir},
		"mv":       {"mv <from> <to>", 2, 2, cmdMv},
		"ln":       {"ln <target> <link>", 2, 2, cmdLn},
		"symlink":  {"symlink <target> <link>", 2, 2, cmdSymlink},
		"readlink": {"readlink <path>", 1, 1, cmdReadlink},
		"stat":     {"stat [-L] <path>", 1, 2, cmdStat},
		"cd":       {"cd <path>", 1, 1, cmdCd},
		"pwd":      {"pwd", 0, 0, cmdPwd},
		"mount":    {"mount <fs> <path> [device] [ro,name=...]", 2, 4, cmdMount},
		"umount":   {"umount [-f] <path>", 1, 2, cmdUmount},
		"sync":     {"sync", 0, 0, cmdSync},
		"df":       {"df", 0, 0, cmdDf},
		"attr":     {"attr set|get|ls|rm <path> [name] [value...]", 2, -1, cmdAttr},
		"import":   {"import <hostdir> <dir>", 2, 2, cmdImport},
	}
}

// Run executes a script, one command per line. Blank lines and text after
// "#" are ignored. Execution stops at the first failing line.
func (sess *Session) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			return &LineError{Line: line, Command: "parse", Err: fmt.Errorf("%v: %w", err, common.ErrInvalidArgument)}
		}
		if len(args) == 0 {
			continue
		}
		if err := sess.Exec(args); err != nil {
			return &LineError{Line: line, Command: args[0], Err: err}
		}
	}
	return scanner.Err()
}

// Exec runs a single command.
func (sess *Session) Exec(args []string) error {
	if len(args) == 0 {
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q: %w", args[0], common.ErrNotSupported)
	}
	rest := args[1:]
	if len(rest) < cmd.min || (cmd.max >= 0 && len(rest) > cmd.max) {
		return fmt.Errorf("usage: %s: %w", cmd.usage, common.ErrInvalidArgument)
	}
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[harness] exec %q", args)
	}
	return cmd.run(sess, rest)
}

func (sess *Session) printf(format string, a ...any) {
	fmt.Fprintf(sess.Out, format, a...)
}

// abs resolves p against the working directory for the billy view, which
// always starts at the VFS root.
func (sess *Session) abs(p string) (string, error) {
	if path.IsAbs(p) {
		return path.Clean(p), nil
	}
	cwd, err := sess.Ctx.Getcwd()
	if err != nil {
		return "", err
	}
	return path.Join(cwd, p), nil
}

func parseMode(s string) (uint32, error) {
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil || mode > 07777 {
		return 0, fmt.Errorf("mode %q: %w", s, common.ErrInvalidArgument)
	}
	return uint32(mode), nil
}

func cmdMkdir(sess *Session, args []string) error {
	mode := uint32(0755)
	if len(args) == 2 {
		var err error
		if mode, err = parseMode(args[1]); err != nil {
			return err
		}
	}
	return sess.Ctx.Mkdir(args[0], mode)
}

func cmdMkdirs(sess *Session, args []string) error {
	p, err := sess.abs(args[0])
	if err != nil {
		return err
	}
	return sess.FS.MkdirAll(p, 0755)
}

func cmdWrite(sess *Session, args []string) error {
	return writeText(sess, args[0], strings.Join(args[1:], " "), vfs.OTrunc)
}

func cmdAppend(sess *Session, args []string) error {
	return writeText(sess, args[0], strings.Join(args[1:], " "), vfs.OAppend)
}

func writeText(sess *Session, p, text string, extra vfs.OpenMode) error {
	fd, err := sess.Ctx.Open(p, vfs.OWrOnly|vfs.OCreate|extra, 0644)
	if err != nil {
		return err
	}
	defer sess.Ctx.Close(fd)
	_, err = sess.Ctx.Write(fd, -1, []byte(text))
	return err
}

func cmdCat(sess *Session, args []string) error {
	for _, a := range args {
		p, err := sess.abs(a)
		if err != nil {
			return err
		}
		data, err := util.ReadFile(sess.FS, p)
		if err != nil {
			return err
		}
		if _, err := sess.Out.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func cmdLs(sess *Session, args []string) error {
	long := false
	if len(args) > 0 && args[0] == "-l" {
		long = true
		args = args[1:]
	}
	if len(args) > 1 {
		return fmt.Errorf("usage: ls [-l] [path]: %w", common.ErrInvalidArgument)
	}
	target := "."
	if len(args) == 1 {
		target = args[0]
	}
	p, err := sess.abs(target)
	if err != nil {
		return err
	}
	infos, err := sess.FS.ReadDir(p)
	if err != nil {
		return err
	}
	for _, fi := range infos {
		name := fi.Name()
		switch {
		case fi.IsDir():
			name = dirColor.Sprint(name) + "/"
		case fi.Mode()&os.ModeSymlink != 0:
			name = linkColor.Sprint(name)
		}
		if !long {
			sess.printf("%s\n", name)
			continue
		}
		st := fi.Sys().(*vfs.Stat)
		sess.printf("%s %3d %8d %s\n", fi.Mode(), st.Nlink, fi.Size(), name)
	}
	return nil
}

func cmdTree(sess *Session, args []string) error {
	target := "."
	if len(args) == 1 {
		target = args[0]
	}
	root, err := sess.abs(target)
	if err != nil {
		return err
	}
	return util.Walk(sess.FS, root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		if rel == "" {
			sess.printf("%s\n", root)
			return nil
		}
		depth := strings.Count(rel, "/")
		name := path.Base(rel)
		if fi.IsDir() {
			name += "/"
		}
		sess.printf("%s%s\n", strings.Repeat("  ", depth+1), name)
		return nil
	})
}

func cmdRm(sess *Session, args []string) error {
	for _, a := range args {
		if err := sess.Ctx.Unlink(a); err != nil {
			return err
		}
	}
	return nil
}

func cmdRmr(sess *Session, args []string) error {
	for _, a := range args {
		p, err := sess.abs(a)
		if err != nil {
			return err
		}
		if err := util.RemoveAll(sess.FS, p); err != nil {
			return err
		}
	}
	return nil
}

func cmdRmdir(sess *Session, args []string) error {
	return sess.Ctx.Rmdir(args[0])
}

func cmdMv(sess *Session, args []string) error {
	return sess.Ctx.Rename(args[0], args[1])
}

func cmdLn(sess *Session, args []string) error {
	return sess.Ctx.Link(args[1], args[0])
}

func cmdSymlink(sess *Session, args []string) error {
	return sess.Ctx.Symlink(args[0], args[1], 0777)
}

func cmdReadlink(sess *Session, args []string) error {
	target, err := sess.Ctx.Readlink(args[0])
	if err != nil {
		return err
	}
	sess.printf("%s\n", target)
	return nil
}

func cmdStat(sess *Session, args []string) error {
	var (
		st  vfs.Stat
		err error
	)
	switch {
	case len(args) == 2 && args[0] == "-L":
		st, err = sess.Ctx.Stat(args[1])
	case len(args) == 1:
		st, err = sess.Ctx.Lstat(args[0])
	default:
		return fmt.Errorf("usage: stat [-L] <path>: %w", common.ErrInvalidArgument)
	}
	if err != nil {
		return err
	}
	sess.printf("dev=%d ino=%d type=%s mode=%04o nlink=%d uid=%d gid=%d size=%d\n",
		st.Dev, st.Ino, typeName(st.Type), st.Mode, st.Nlink, st.UID, st.GID, st.Size)
	return nil
}

func typeName(t vfs.NodeType) string {
	switch t {
	case vfs.TypeDirectory:
		return "dir"
	case vfs.TypeSymlink:
		return "symlink"
	case vfs.TypeFile:
		return "file"
	}
	return "unknown"
}

func cmdCd(sess *Session, args []string) error {
	return sess.Ctx.Chdir(args[0])
}

func cmdPwd(sess *Session, _ []string) error {
	cwd, err := sess.Ctx.Getcwd()
	if err != nil {
		return err
	}
	sess.printf("%s\n", cwd)
	return nil
}

// cmdMount takes "ro" plus any driver args as one comma separated list.
func cmdMount(sess *Session, args []string) error {
	fsName := args[0]
	p, err := sess.abs(args[1])
	if err != nil {
		return err
	}
	var device, opts string
	if len(args) > 2 {
		device = expandHome(args[2])
	}
	if len(args) > 3 {
		opts = args[3]
	}
	var (
		flags    vfs.MountFlags
		drvrArgs []string
	)
	for _, o := range strings.Split(opts, ",") {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "ro":
			flags |= vfs.MountReadOnly
		default:
			drvrArgs = append(drvrArgs, o)
		}
	}
	id, err := sess.State.Mount(p, device, fsName, flags, strings.Join(drvrArgs, ","))
	if err != nil {
		return err
	}
	log.Infof("[harness] mounted %s at %s as %d", fsName, p, id)
	return nil
}

func cmdUmount(sess *Session, args []string) error {
	var flags vfs.MountFlags
	if args[0] == "-f" {
		flags |= vfs.UnmountForce
		args = args[1:]
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: umount [-f] <path>: %w", common.ErrInvalidArgument)
	}
	p, err := sess.abs(args[0])
	if err != nil {
		return err
	}
	return sess.State.Unmount(p, flags)
}

func cmdSync(sess *Session, _ []string) error {
	return sess.State.Sync()
}

func cmdDf(sess *Session, _ []string) error {
	sess.printf("%-4s %-8s %-12s %10s %10s %8s  %s\n", "ID", "FS", "VOLUME", "BLOCKS", "FREE", "NODES", "PATH")
	var cursor vfs.MountID
	for {
		id, err := sess.State.NextMount(cursor)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cursor = id

		m, err := sess.State.GetMount(id)
		if err != nil {
			// unmounted since NextMount
			continue
		}
		p, perr := sess.State.VnodeToPath(m.Root())
		sess.State.PutMount(m)
		if perr != nil {
			p = "?"
		}
		info, err := sess.State.ReadFsInfo(id)
		if err != nil {
			continue
		}
		sess.printf("%-4d %-8s %-12s %10d %10d %8d  %s\n",
			id, info.FsName, info.VolumeName, info.TotalBlocks, info.FreeBlocks, info.TotalNodes, p)
	}
}

func cmdAttr(sess *Session, args []string) error {
	op, target := args[0], args[1]
	rest := args[2:]
	fd, err := sess.Ctx.Open(target, vfs.ORdOnly, 0)
	if err != nil {
		return err
	}
	defer sess.Ctx.Close(fd)

	switch op {
	case "set":
		if len(rest) < 1 {
			break
		}
		afd, err := sess.Ctx.CreateAttr(fd, rest[0], AttrTypeString, vfs.OWrOnly|vfs.OTrunc)
		if err != nil {
			return err
		}
		defer sess.Ctx.Close(afd)
		_, err = sess.Ctx.Write(afd, 0, []byte(strings.Join(rest[1:], " ")))
		return err
	case "get":
		if len(rest) != 1 {
			break
		}
		afd, err := sess.Ctx.OpenAttr(fd, rest[0], vfs.ORdOnly)
		if err != nil {
			return err
		}
		defer sess.Ctx.Close(afd)
		st, err := sess.Ctx.Fstat(afd)
		if err != nil {
			return err
		}
		buf := make([]byte, st.Size)
		n, err := sess.Ctx.Read(afd, 0, buf)
		if err != nil {
			return err
		}
		sess.printf("%s\n", buf[:n])
		return nil
	case "ls":
		if len(rest) != 0 {
			break
		}
		dfd, err := sess.Ctx.OpenAttrDir(fd)
		if err != nil {
			return err
		}
		defer sess.Ctx.Close(dfd)
		for {
			entries, err := sess.Ctx.ReadDir(dfd, 32)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}
			for _, e := range entries {
				sess.printf("%s\n", e.Name)
			}
		}
	case "rm":
		if len(rest) != 1 {
			break
		}
		return sess.Ctx.RemoveAttr(fd, rest[0])
	}
	return fmt.Errorf("usage: %s: %w", commands["attr"].usage, common.ErrInvalidArgument)
}

// cmdImport copies a host directory tree into the VFS, honoring the
// configured gitignore, include and exclude rules.
func cmdImport(sess *Session, args []string) error {
	hostDir, err := filepath.Abs(expandHome(args[0]))
	if err != nil {
		return err
	}
	dest, err := sess.abs(args[1])
	if err != nil {
		return err
	}
	imp := sess.Settings.Import
	filter := BuildFileFilter(hostDir, imp.Gitignore, imp.Includes, imp.Excludes)

	files := 0
	err = filepath.Walk(hostDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		target := dest
		if rel != "." {
			if !filter(rel, info.IsDir()) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			target = path.Join(dest, rel)
		}

		switch {
		case info.IsDir():
			return sess.FS.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return sess.Ctx.Symlink(link, target, 0777)
		case info.Mode().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			files++
			return util.WriteFile(sess.FS, target, data, info.Mode().Perm())
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("[harness] imported %d files from %s into %s", files, hostDir, dest)
	return nil
}
