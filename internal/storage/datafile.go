// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"fsshell/internal/common"
)

// DataFile represents a SQLite-backed volume image.
//
// A data file is owned by one process at a time: Create and Open take an
// exclusive advisory lock on "<path>.lock" and fail with ErrBusy if another
// process holds it.
type DataFile struct {
	path  string
	db    *sql.DB
	bunDB *BunDB
	lock  *flock.Flock

	// writeMu serializes write transactions.
	writeMu sync.Mutex
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout first: journal_mode=WAL needs exclusive access and
	// should wait for locks instead of failing with "database is locked".
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout())); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	// Failure is non-fatal (may not be supported on all platforms).
	_ = execPragma(db, "PRAGMA mmap_size = 268435456")
	return nil
}

// LockPath returns the advisory lock file guarding a data file.
func LockPath(path string) string {
	return path + ".lock"
}

func acquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(LockPath(path))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s is in use by another process: %w", path, common.ErrBusy)
	}
	return lock, nil
}

// Create creates a new data file with an empty root directory.
func Create(path string) (*DataFile, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file already exists: %s: %w", path, common.ErrExists)
	}

	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	fail := func(err error) (*DataFile, error) {
		db.Close()
		os.Remove(path)
		lock.Unlock()
		return nil, err
	}

	if err := applyPragmas(db); err != nil {
		return fail(err)
	}
	// Execute statements individually for libsql compatibility
	if err := execStatements(db, dataFileSchema); err != nil {
		return fail(fmt.Errorf("failed to create schema: %w", err))
	}
	if err := execStatements(db, initRootDir, SchemaVersion, uuid.NewString(), DefaultDirMode); err != nil {
		return fail(fmt.Errorf("failed to initialize root: %w", err))
	}

	log.Debugf("[DataFile] created %s", path)
	return &DataFile{
		path:  path,
		db:    db,
		bunDB: NewBunDB(db),
		lock:  lock,
	}, nil
}

// Open opens an existing data file.
func Open(path string) (*DataFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file not found: %s: %w", path, common.ErrNotFound)
	}

	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	fail := func(err error) (*DataFile, error) {
		db.Close()
		lock.Unlock()
		return nil, err
	}

	if err := applyPragmas(db); err != nil {
		return fail(err)
	}

	bunDB := NewBunDB(db)

	// Verify it's a data file
	fileType, err := bunDB.GetSchemaInfo(context.Background(), "type")
	if err != nil {
		return fail(fmt.Errorf("failed to read schema info: %w", err))
	}
	if fileType != "data" {
		return fail(fmt.Errorf("not a data file (type=%s)", fileType))
	}

	log.Debugf("[DataFile] opened %s", path)
	return &DataFile{
		path:  path,
		db:    db,
		bunDB: bunDB,
		lock:  lock,
	}, nil
}

// OpenOrCreate opens path, creating it first if it does not exist.
func OpenOrCreate(path string) (*DataFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Create(path)
	}
	return Open(path)
}

// Close closes the database connection and cleans up WAL files.
// It performs a TRUNCATE checkpoint to merge WAL data into the main database,
// then removes the -wal and -shm files.
func (df *DataFile) Close() error {
	if df.db == nil {
		return nil
	}

	// PRAGMA wal_checkpoint returns rows, so we must use Query() not Exec()
	rows, err := df.db.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		// Log but don't fail - the close is more important
		log.Warnf("[DataFile] WAL checkpoint failed: %v", err)
	} else {
		rows.Close()
	}

	err = df.db.Close()
	df.db = nil

	os.Remove(df.path + "-wal") // Ignore errors - files may not exist
	os.Remove(df.path + "-shm")

	if df.lock != nil {
		df.lock.Unlock()
	}
	return err
}

// Path returns the file path
func (df *DataFile) Path() string {
	return df.path
}

// DB returns the underlying *sql.DB for use with Bun or other wrappers.
func (df *DataFile) DB() *sql.DB {
	return df.db
}

// BunDB returns the Bun database wrapper.
func (df *DataFile) BunDB() *BunDB {
	return df.bunDB
}

// UUID returns the identity recorded when the file was created.
func (df *DataFile) UUID() (string, error) {
	return df.bunDB.GetSchemaInfo(context.Background(), "uuid")
}

// RunInTx runs fn inside a database transaction.
func (df *DataFile) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	df.writeMu.Lock()
	defer df.writeMu.Unlock()
	return df.bunDB.RunInTxRetry(ctx, fn)
}

// Checkpoint merges the WAL into the main database without blocking readers.
func (df *DataFile) Checkpoint() error {
	return execPragma(df.db, "PRAGMA wal_checkpoint(PASSIVE)")
}

// GetStorageStats returns storage statistics for the data file.
func (df *DataFile) GetStorageStats() (*StorageStats, error) {
	return df.bunDB.GetStorageStats(context.Background())
}

// --- Inode Operations ---

// GetInode retrieves an inode by number.
func (df *DataFile) GetInode(ino int64) (*Inode, error) {
	model, err := df.bunDB.GetInode(context.Background(), ino)
	if err != nil {
		return nil, err
	}
	return model.ToInode(), nil
}

// CreateInode allocates a new inode with the given mode and a link count of zero.
// The caller links it into a directory with CreateDentry.
func (df *DataFile) CreateInode(mode uint32) (int64, error) {
	var ino int64
	err := df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		var err error
		ino, err = df.createInodeTx(ctx, tx, mode)
		return err
	})
	return ino, err
}

func (df *DataFile) createInodeTx(ctx context.Context, tx bun.Tx, mode uint32) (int64, error) {
	maxIno, err := df.bunDB.GetMaxInoWith(tx, ctx)
	if err != nil {
		return 0, err
	}
	ino := maxIno + 1
	if ino <= RootIno {
		ino = RootIno + 1
	}
	now := time.Now().Unix()
	err = df.bunDB.InsertInodeWith(tx, ctx, &InodeModel{
		Ino:    ino,
		Mode:   int64(mode),
		UID:    int64(os.Getuid()),
		GID:    int64(os.Getgid()),
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
	})
	if err != nil {
		return 0, err
	}
	return ino, nil
}

// UpdateInode applies the non-nil fields of updates and refreshes ctime.
func (df *DataFile) UpdateInode(ino int64, updates *InodeUpdate) error {
	if updates == nil {
		return nil
	}
	return df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		return df.updateInodeTx(ctx, tx, ino, updates)
	})
}

func (df *DataFile) updateInodeTx(ctx context.Context, tx bun.Tx, ino int64, updates *InodeUpdate) error {
	current, err := df.bunDB.GetInodeWith(tx, ctx, ino)
	if err != nil {
		return err
	}
	if updates.Mode != nil {
		current.Mode = int64(*updates.Mode)
	}
	if updates.Uid != nil {
		current.UID = int64(*updates.Uid)
	}
	if updates.Gid != nil {
		current.GID = int64(*updates.Gid)
	}
	if updates.Size != nil {
		current.Size = *updates.Size
	}
	if updates.Atime != nil {
		current.Atime = updates.Atime.Unix()
	}
	if updates.Mtime != nil {
		current.Mtime = updates.Mtime.Unix()
	}
	if updates.Crtime != nil {
		current.Crtime = updates.Crtime.Unix()
	}
	if updates.Nlink != nil {
		current.Nlink = int64(*updates.Nlink)
	}
	current.Ctime = time.Now().Unix()
	return df.bunDB.UpsertInodeWith(tx, ctx, current)
}

// DeleteInode removes an inode with its content, symlink target and attributes.
func (df *DataFile) DeleteInode(ino int64) error {
	if ino == RootIno {
		return common.ErrBusy
	}
	return df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		return df.bunDB.DeleteInodeWith(tx, ctx, ino)
	})
}

// PurgeOrphans deletes inodes that no directory entry names. They are left
// behind when a process stops between unlinking a node and releasing it.
func (df *DataFile) PurgeOrphans() (int, error) {
	var purged int
	err := df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		var inos []int64
		err := tx.NewSelect().
			Model((*InodeModel)(nil)).
			Column("ino").
			Where("nlink = 0").
			Where("ino != ?", RootIno).
			Scan(ctx, &inos)
		if err != nil {
			return err
		}
		for _, ino := range inos {
			if err := df.bunDB.DeleteInodeWith(tx, ctx, ino); err != nil {
				return err
			}
		}
		purged = len(inos)
		return nil
	})
	return purged, err
}

// --- Dentry Operations ---

// Lookup finds name in directory parentIno.
func (df *DataFile) Lookup(parentIno int64, name string) (*Dentry, error) {
	model, err := df.bunDB.GetDentryWith(df.bunDB.DB, context.Background(), parentIno, name)
	if err != nil {
		return nil, err
	}
	return model.ToDentry(), nil
}

// FindParent returns an entry naming ino, which gives its parent and name.
func (df *DataFile) FindParent(ino int64) (*Dentry, error) {
	model, err := df.bunDB.FindDentryByIno(context.Background(), ino)
	if err != nil {
		return nil, err
	}
	return model.ToDentry(), nil
}

// ListDir lists the entries of directory parentIno, ordered by name.
func (df *DataFile) ListDir(parentIno int64) ([]DirEntry, error) {
	return df.bunDB.ListDirEntries(context.Background(), parentIno)
}

// HasChildren reports whether directory parentIno has any entries.
func (df *DataFile) HasChildren(parentIno int64) (bool, error) {
	return df.bunDB.HasChildren(context.Background(), parentIno)
}

// CreateDentry links ino into parentIno as name and bumps its link count.
// Returns ErrExists if the name is taken.
func (df *DataFile) CreateDentry(parentIno int64, name string, ino int64) error {
	return df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		return df.createDentryTx(ctx, tx, parentIno, name, ino)
	})
}

func (df *DataFile) createDentryTx(ctx context.Context, tx bun.Tx, parentIno int64, name string, ino int64) error {
	if _, err := df.bunDB.GetDentryWith(tx, ctx, parentIno, name); err == nil {
		return common.ErrExists
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if err := df.bunDB.InsertDentryWith(tx, ctx, &DentryModel{ParentIno: parentIno, Name: name, Ino: ino}); err != nil {
		return err
	}
	return df.adjustNlinkTx(ctx, tx, ino, 1)
}

// DeleteDentry unlinks name from parentIno and returns the remaining link
// count of the node it named. The node itself is kept; the caller deletes
// it with DeleteInode once nothing refers to it.
func (df *DataFile) DeleteDentry(parentIno int64, name string) (int32, error) {
	var nlink int32
	err := df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		dentry, err := df.bunDB.GetDentryWith(tx, ctx, parentIno, name)
		if err != nil {
			return err
		}
		if err := df.bunDB.DeleteDentryWith(tx, ctx, parentIno, name); err != nil {
			return err
		}
		if err := df.adjustNlinkTx(ctx, tx, dentry.Ino, -1); err != nil {
			return err
		}
		inode, err := df.bunDB.GetInodeWith(tx, ctx, dentry.Ino)
		if err != nil {
			return err
		}
		nlink = int32(inode.Nlink)
		return nil
	})
	return nlink, err
}

// RenameDentry moves srcParent/srcName to dstParent/dstName. An existing
// destination entry is replaced and its node ino returned (0 if none) so the
// caller can release it.
func (df *DataFile) RenameDentry(srcParent int64, srcName string, dstParent int64, dstName string) (int64, error) {
	var replaced int64
	err := df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		src, err := df.bunDB.GetDentryWith(tx, ctx, srcParent, srcName)
		if err != nil {
			return err
		}
		if srcParent == dstParent && srcName == dstName {
			return nil
		}
		dst, err := df.bunDB.GetDentryWith(tx, ctx, dstParent, dstName)
		switch {
		case err == nil:
			if dst.Ino == src.Ino {
				return df.bunDB.DeleteDentryWith(tx, ctx, srcParent, srcName)
			}
			if err := df.bunDB.DeleteDentryWith(tx, ctx, dstParent, dstName); err != nil {
				return err
			}
			if err := df.adjustNlinkTx(ctx, tx, dst.Ino, -1); err != nil {
				return err
			}
			replaced = dst.Ino
		case !errors.Is(err, common.ErrNotFound):
			return err
		}
		if err := df.bunDB.DeleteDentryWith(tx, ctx, srcParent, srcName); err != nil {
			return err
		}
		return df.bunDB.InsertDentryWith(tx, ctx, &DentryModel{ParentIno: dstParent, Name: dstName, Ino: src.Ino})
	})
	return replaced, err
}

func (df *DataFile) adjustNlinkTx(ctx context.Context, tx bun.Tx, ino int64, delta int) error {
	inode, err := df.bunDB.GetInodeWith(tx, ctx, ino)
	if err != nil {
		return err
	}
	inode.Nlink += int64(delta)
	if inode.Nlink < 0 {
		inode.Nlink = 0
	}
	inode.Ctime = time.Now().Unix()
	return df.bunDB.UpsertInodeWith(tx, ctx, inode)
}

// --- Content Operations ---

// ReadContent reads up to length bytes at offset. Holes read as zeros and
// the result is clipped to the file size.
func (df *DataFile) ReadContent(ino int64, offset int64, length int) ([]byte, error) {
	if length <= 0 || offset < 0 {
		return nil, nil
	}

	ctx := context.Background()
	inode, err := df.bunDB.GetInode(ctx, ino)
	if err != nil {
		return nil, err
	}
	if offset >= inode.Size {
		return nil, nil
	}
	if rem := inode.Size - offset; int64(length) > rem {
		length = int(rem)
	}

	startChunk := int(offset / ChunkSize)
	endChunk := int((offset + int64(length) - 1) / ChunkSize)

	chunks, err := df.bunDB.ReadContentChunks(ctx, ino, startChunk, endChunk)
	if err != nil {
		return nil, err
	}

	result := make([]byte, length)
	for _, chunk := range chunks {
		chunkStart := chunk.ChunkIdx * ChunkSize
		for i, b := range chunk.Data {
			pos := chunkStart + int64(i)
			if pos < offset {
				continue
			}
			if pos >= offset+int64(length) {
				break
			}
			result[pos-offset] = b
		}
	}
	return result, nil
}

// WriteContent writes data at offset, extending the file if needed.
func (df *DataFile) WriteContent(ino int64, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if offset < 0 {
		return common.ErrInvalidArgument
	}

	return df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		pos := 0
		for pos < len(data) {
			chunkIdx := int((offset + int64(pos)) / ChunkSize)
			chunkOffset := int((offset + int64(pos)) % ChunkSize)
			writeLen := min(ChunkSize-chunkOffset, len(data)-pos)

			// Read existing chunk if partial write
			var existing []byte
			if chunkOffset > 0 || writeLen < ChunkSize {
				var err error
				existing, err = df.bunDB.GetContentChunkWith(tx, ctx, ino, chunkIdx)
				if err != nil {
					return err
				}
			}

			newChunk := make([]byte, max(len(existing), chunkOffset+writeLen))
			copy(newChunk, existing)
			copy(newChunk[chunkOffset:], data[pos:pos+writeLen])

			if err := df.bunDB.UpsertContentChunkWith(tx, ctx, ino, chunkIdx, newChunk); err != nil {
				return err
			}
			pos += writeLen
		}

		// Use the transaction handle so the size update sees this write's rows
		inode, err := df.bunDB.GetInodeWith(tx, ctx, ino)
		if err != nil {
			return err
		}
		if end := offset + int64(len(data)); end > inode.Size {
			inode.Size = end
		}
		now := time.Now().Unix()
		inode.Mtime = now
		inode.Ctime = now
		return df.bunDB.UpsertInodeWith(tx, ctx, inode)
	})
}

// TruncateContent sets the file size, dropping content past it.
func (df *DataFile) TruncateContent(ino int64, size int64) error {
	if size < 0 {
		return common.ErrInvalidArgument
	}
	return df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		inode, err := df.bunDB.GetInodeWith(tx, ctx, ino)
		if err != nil {
			return err
		}

		lastChunk := int(size / ChunkSize)
		chunkOffset := int(size % ChunkSize)
		dropFrom := lastChunk
		if chunkOffset > 0 {
			dropFrom = lastChunk + 1
			data, err := df.bunDB.GetContentChunkWith(tx, ctx, ino, lastChunk)
			if err != nil {
				return err
			}
			if len(data) > chunkOffset {
				if err := df.bunDB.UpsertContentChunkWith(tx, ctx, ino, lastChunk, data[:chunkOffset]); err != nil {
					return err
				}
			}
		}
		if err := df.bunDB.DeleteContentFromWith(tx, ctx, ino, dropFrom); err != nil {
			return err
		}

		now := time.Now().Unix()
		inode.Size = size
		inode.Mtime = now
		inode.Ctime = now
		return df.bunDB.UpsertInodeWith(tx, ctx, inode)
	})
}

// --- Symlink Operations ---

// CreateSymlink records the target of symlink node ino.
func (df *DataFile) CreateSymlink(ino int64, target string) error {
	return df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		if err := df.bunDB.UpsertSymlinkWith(tx, ctx, ino, target); err != nil {
			return err
		}
		size := int64(len(target))
		return df.updateInodeTx(ctx, tx, ino, &InodeUpdate{Size: &size})
	})
}

// ReadSymlink returns the target of symlink node ino.
func (df *DataFile) ReadSymlink(ino int64) (string, error) {
	return df.bunDB.GetSymlink(context.Background(), ino)
}

// --- Attribute Operations ---

// ListAttrs returns the attributes of ino ordered by name.
func (df *DataFile) ListAttrs(ino int64) ([]Attr, error) {
	models, err := df.bunDB.ListAttrs(context.Background(), ino)
	if err != nil {
		return nil, err
	}
	attrs := make([]Attr, len(models))
	for i, m := range models {
		attrs[i] = Attr{Name: m.Name, Type: uint32(m.Type), Data: m.Data}
	}
	return attrs, nil
}

// GetAttr returns attribute name of ino.
func (df *DataFile) GetAttr(ino int64, name string) (*Attr, error) {
	m, err := df.bunDB.GetAttr(context.Background(), ino, name)
	if err != nil {
		return nil, err
	}
	return &Attr{Name: m.Name, Type: uint32(m.Type), Data: m.Data}, nil
}

// SetAttr creates or replaces attribute name of ino.
func (df *DataFile) SetAttr(ino int64, attr Attr) error {
	if attr.Data == nil {
		attr.Data = []byte{}
	}
	return df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		return df.bunDB.UpsertAttrWith(tx, ctx, &AttrModel{
			Ino:  ino,
			Name: attr.Name,
			Type: int64(attr.Type),
			Data: attr.Data,
		})
	})
}

// RemoveAttr deletes attribute name of ino.
func (df *DataFile) RemoveAttr(ino int64, name string) error {
	return df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		return df.bunDB.DeleteAttrWith(tx, ctx, ino, name)
	})
}

// RenameAttr moves attribute fromName of fromIno to toName of toIno,
// replacing any attribute already there.
func (df *DataFile) RenameAttr(fromIno int64, fromName string, toIno int64, toName string) error {
	return df.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		var attr AttrModel
		err := tx.NewSelect().
			Model(&attr).
			Where("ino = ?", fromIno).
			Where("name = ?", fromName).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := df.bunDB.DeleteAttrWith(tx, ctx, fromIno, fromName); err != nil {
			return err
		}
		attr.Ino = toIno
		attr.Name = toName
		return df.bunDB.UpsertAttrWith(tx, ctx, &attr)
	})
}
