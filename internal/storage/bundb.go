package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"fsshell/internal/common"
	"fsshell/internal/util"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Inode Operations ---

// GetInode retrieves an inode. Returns ErrNotFound if it doesn't exist.
func (db *BunDB) GetInode(ctx context.Context, ino int64) (*InodeModel, error) {
	return db.GetInodeWith(db.DB, ctx, ino)
}

// GetInodeWith is like GetInode but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetInodeWith(idb bun.IDB, ctx context.Context, ino int64) (*InodeModel, error) {
	var inode InodeModel
	err := idb.NewSelect().
		Model(&inode).
		Where("ino = ?", ino).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inode, nil
}

// GetMaxInoWith returns the maximum inode number.
func (db *BunDB) GetMaxInoWith(idb bun.IDB, ctx context.Context) (int64, error) {
	var maxIno sql.NullInt64
	err := idb.NewRaw(`SELECT MAX(ino) FROM inodes`).Scan(ctx, &maxIno)
	if err != nil {
		return RootIno, err
	}
	if maxIno.Valid {
		return maxIno.Int64, nil
	}
	return RootIno, nil
}

// InsertInodeWith inserts a new inode.
func (db *BunDB) InsertInodeWith(idb bun.IDB, ctx context.Context, inode *InodeModel) error {
	_, err := idb.NewInsert().Model(inode).Exec(ctx)
	return err
}

// UpsertInodeWith inserts or replaces an inode row.
func (db *BunDB) UpsertInodeWith(idb bun.IDB, ctx context.Context, inode *InodeModel) error {
	_, err := idb.NewInsert().
		Model(inode).
		On("CONFLICT (ino) DO UPDATE").
		Set("mode = EXCLUDED.mode").
		Set("uid = EXCLUDED.uid").
		Set("gid = EXCLUDED.gid").
		Set("size = EXCLUDED.size").
		Set("atime = EXCLUDED.atime").
		Set("mtime = EXCLUDED.mtime").
		Set("ctime = EXCLUDED.ctime").
		Set("crtime = EXCLUDED.crtime").
		Set("nlink = EXCLUDED.nlink").
		Exec(ctx)
	return err
}

// DeleteInodeWith removes an inode row together with its content, symlink and attributes.
func (db *BunDB) DeleteInodeWith(idb bun.IDB, ctx context.Context, ino int64) error {
	if _, err := idb.NewDelete().Model((*ContentModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	if _, err := idb.NewDelete().Model((*SymlinkModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	if _, err := idb.NewDelete().Model((*AttrModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	res, err := idb.NewDelete().Model((*InodeModel)(nil)).Where("ino = ?", ino).Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// --- Dentry Operations ---

// GetDentryWith retrieves a directory entry.
func (db *BunDB) GetDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) (*DentryModel, error) {
	var dentry DentryModel
	err := idb.NewSelect().
		Model(&dentry).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dentry, nil
}

// FindDentryByIno returns one entry naming ino. Hard links make the choice arbitrary.
func (db *BunDB) FindDentryByIno(ctx context.Context, ino int64) (*DentryModel, error) {
	var dentry DentryModel
	err := db.NewSelect().
		Model(&dentry).
		Where("ino = ?", ino).
		Order("parent_ino", "name").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dentry, nil
}

// ListDirEntries lists a directory's entries joined with their inodes, ordered by name.
func (db *BunDB) ListDirEntries(ctx context.Context, parentIno int64) ([]DirEntry, error) {
	type rawEntry struct {
		Name string
		Ino  int64
		Mode uint32
		Size int64
	}
	var rawEntries []rawEntry
	err := db.NewRaw(`
		SELECT d.name, d.ino, i.mode, i.size
		FROM dentries d
		INNER JOIN inodes i ON d.ino = i.ino
		WHERE d.parent_ino = ?
		ORDER BY d.name
	`, parentIno).Scan(ctx, &rawEntries)
	if err != nil {
		return nil, err
	}

	entries := make([]DirEntry, len(rawEntries))
	for i, r := range rawEntries {
		entries[i] = DirEntry{
			Name: r.Name,
			Ino:  r.Ino,
			Mode: r.Mode,
			Size: r.Size,
		}
	}
	return entries, nil
}

// HasChildren checks if a directory has any entries.
// Uses EXISTS to short-circuit instead of materializing all entries via ListDir.
func (db *BunDB) HasChildren(ctx context.Context, parentIno int64) (bool, error) {
	var exists int
	err := db.NewRaw(`SELECT EXISTS(SELECT 1 FROM dentries WHERE parent_ino = ? LIMIT 1)`, parentIno).Scan(ctx, &exists)
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}

// InsertDentryWith inserts a directory entry. A duplicate name returns ErrExists.
func (db *BunDB) InsertDentryWith(idb bun.IDB, ctx context.Context, dentry *DentryModel) error {
	res, err := idb.NewInsert().
		Model(dentry).
		On("CONFLICT (parent_ino, name) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrExists
	}
	return nil
}

// DeleteDentryWith removes a directory entry.
func (db *BunDB) DeleteDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) error {
	res, err := idb.NewDelete().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// --- Content Operations ---

// ReadContentChunks retrieves the content chunks in [startChunk, endChunk].
func (db *BunDB) ReadContentChunks(ctx context.Context, ino int64, startChunk, endChunk int) ([]ContentModel, error) {
	var chunks []ContentModel
	err := db.NewSelect().
		Model(&chunks).
		Where("ino = ?", ino).
		Where("chunk_idx >= ?", startChunk).
		Where("chunk_idx <= ?", endChunk).
		Order("chunk_idx").
		Scan(ctx)
	return chunks, err
}

// GetContentChunkWith retrieves a single content chunk. A missing chunk is nil.
func (db *BunDB) GetContentChunkWith(idb bun.IDB, ctx context.Context, ino int64, chunkIdx int) ([]byte, error) {
	var data []byte
	err := idb.NewRaw(`SELECT data FROM content WHERE ino = ? AND chunk_idx = ?`, ino, chunkIdx).Scan(ctx, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

// UpsertContentChunkWith inserts or replaces a content chunk.
func (db *BunDB) UpsertContentChunkWith(idb bun.IDB, ctx context.Context, ino int64, chunkIdx int, data []byte) error {
	_, err := idb.NewInsert().
		Model(&ContentModel{
			Ino:      ino,
			ChunkIdx: int64(chunkIdx),
			Data:     data,
		}).
		On("CONFLICT (ino, chunk_idx) DO UPDATE").
		Set("data = EXCLUDED.data").
		Exec(ctx)
	return err
}

// DeleteContentFromWith drops every chunk at or after chunkIdx.
func (db *BunDB) DeleteContentFromWith(idb bun.IDB, ctx context.Context, ino int64, chunkIdx int) error {
	_, err := idb.NewDelete().
		Model((*ContentModel)(nil)).
		Where("ino = ?", ino).
		Where("chunk_idx >= ?", chunkIdx).
		Exec(ctx)
	return err
}

// --- Symlink Operations ---

// GetSymlink retrieves a symlink target.
func (db *BunDB) GetSymlink(ctx context.Context, ino int64) (string, error) {
	var link SymlinkModel
	err := db.NewSelect().Model(&link).Where("ino = ?", ino).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return link.Target, nil
}

// UpsertSymlinkWith inserts or updates a symlink target.
func (db *BunDB) UpsertSymlinkWith(idb bun.IDB, ctx context.Context, ino int64, target string) error {
	_, err := idb.NewInsert().
		Model(&SymlinkModel{
			Ino:    ino,
			Target: target,
		}).
		On("CONFLICT (ino) DO UPDATE").
		Set("target = EXCLUDED.target").
		Exec(ctx)
	return err
}

// --- Attribute Operations ---

// ListAttrs lists the attributes of a node, ordered by name.
func (db *BunDB) ListAttrs(ctx context.Context, ino int64) ([]AttrModel, error) {
	var attrs []AttrModel
	err := db.NewSelect().
		Model(&attrs).
		Where("ino = ?", ino).
		Order("name").
		Scan(ctx)
	return attrs, err
}

// GetAttr retrieves one attribute.
func (db *BunDB) GetAttr(ctx context.Context, ino int64, name string) (*AttrModel, error) {
	var attr AttrModel
	err := db.NewSelect().
		Model(&attr).
		Where("ino = ?", ino).
		Where("name = ?", name).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &attr, nil
}

// UpsertAttrWith inserts or replaces an attribute.
func (db *BunDB) UpsertAttrWith(idb bun.IDB, ctx context.Context, attr *AttrModel) error {
	_, err := idb.NewInsert().
		Model(attr).
		On("CONFLICT (ino, name) DO UPDATE").
		Set("type = EXCLUDED.type").
		Set("data = EXCLUDED.data").
		Exec(ctx)
	return err
}

// DeleteAttrWith removes an attribute.
func (db *BunDB) DeleteAttrWith(idb bun.IDB, ctx context.Context, ino int64, name string) error {
	res, err := idb.NewDelete().
		Model((*AttrModel)(nil)).
		Where("ino = ?", ino).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// --- Schema Info Operations ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetSchemaInfo sets a schema info value (upserts).
func (db *BunDB) SetSchemaInfo(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- Transactions ---

// RunInTxRetry runs fn in a transaction, retrying the whole transaction
// on transient "database is locked" errors.
func (db *BunDB) RunInTxRetry(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return util.Retry(ctx, func() error {
		return db.RunInTx(ctx, nil, fn)
	}, util.DatabaseRetryOptions(ctx)...)
}

// --- Statistics ---

// StorageStats summarizes the contents of a data file.
type StorageStats struct {
	Inodes       int64
	Dentries     int64
	ContentBytes int64
	Chunks       int64
	Attrs        int64
	CollectedAt  time.Time
}

// GetStorageStats counts rows and content bytes.
func (db *BunDB) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{CollectedAt: time.Now()}
	var err error
	if stats.Inodes, err = db.count(ctx, (*InodeModel)(nil)); err != nil {
		return nil, err
	}
	if stats.Dentries, err = db.count(ctx, (*DentryModel)(nil)); err != nil {
		return nil, err
	}
	if stats.Chunks, err = db.count(ctx, (*ContentModel)(nil)); err != nil {
		return nil, err
	}
	if stats.Attrs, err = db.count(ctx, (*AttrModel)(nil)); err != nil {
		return nil, err
	}
	var bytes sql.NullInt64
	if err := db.NewRaw(`SELECT SUM(LENGTH(data)) FROM content`).Scan(ctx, &bytes); err != nil {
		return nil, err
	}
	stats.ContentBytes = bytes.Int64
	return stats, nil
}

func (db *BunDB) count(ctx context.Context, model interface{}) (int64, error) {
	n, err := db.NewSelect().Model(model).Count(ctx)
	return int64(n), err
}
