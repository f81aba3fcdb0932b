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
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const SchemaVersion = "1"

const ChunkSize = 16384 // 16KB chunks for file content

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// EnvBusyTimeout overrides the busy_timeout for every data file
const EnvBusyTimeout = "FSSHELL_BUSY_TIMEOUT"

// configBusyTimeout is set from settings via SetConfigBusyTimeout
var configBusyTimeout int

// SetConfigBusyTimeout sets the settings-file busy_timeout. Zero keeps the default.
func SetConfigBusyTimeout(timeout int) {
	configBusyTimeout = timeout
}

// GetBusyTimeout returns the busy_timeout value.
// Priority: env > config file > default
func GetBusyTimeout() int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	if configBusyTimeout > 0 {
		return configBusyTimeout
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN for path
func BuildDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, GetBusyTimeout())
}

// File mode constants (POSIX)
const (
	ModeDir     = 0040000 // Directory
	ModeFile    = 0100000 // Regular file
	ModeSymlink = 0120000 // Symbolic link
	ModeMask    = 0170000 // Type mask
)

// Default permissions
const (
	DefaultDirMode  = ModeDir | 0755  // rwxr-xr-x
	DefaultFileMode = ModeFile | 0644 // rw-r--r--
)

// Root inode number
const RootIno = 1

// Schema SQL for data file
const dataFileSchema = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- File/directory metadata
CREATE TABLE IF NOT EXISTS inodes (
    ino INTEGER PRIMARY KEY,
    mode INTEGER NOT NULL,
    uid INTEGER NOT NULL DEFAULT 0,
    gid INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL DEFAULT 0,
    atime INTEGER NOT NULL,
    mtime INTEGER NOT NULL,
    ctime INTEGER NOT NULL,
    crtime INTEGER NOT NULL,
    nlink INTEGER NOT NULL DEFAULT 1
);

-- Directory entries
CREATE TABLE IF NOT EXISTS dentries (
    parent_ino INTEGER NOT NULL,
    name TEXT NOT NULL,
    ino INTEGER NOT NULL,
    PRIMARY KEY (parent_ino, name)
);

-- Reverse lookup for parent and name of a node
CREATE INDEX IF NOT EXISTS idx_dentries_ino ON dentries(ino);

-- File content storage (chunked)
CREATE TABLE IF NOT EXISTS content (
    ino INTEGER NOT NULL,
    chunk_idx INTEGER NOT NULL,
    data BLOB NOT NULL,
    PRIMARY KEY (ino, chunk_idx)
);

-- Symbolic link targets
CREATE TABLE IF NOT EXISTS symlinks (
    ino INTEGER PRIMARY KEY,
    target TEXT NOT NULL
);

-- Extended attributes
CREATE TABLE IF NOT EXISTS attrs (
    ino INTEGER NOT NULL,
    name TEXT NOT NULL,
    type INTEGER NOT NULL DEFAULT 0,
    data BLOB NOT NULL,
    PRIMARY KEY (ino, name)
);
`

// Initial data for root directory
const initRootDir = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', 'data');
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('uuid', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));

-- Root directory inode (ino=1, mode=0040755)
INSERT OR IGNORE INTO inodes (ino, mode, uid, gid, size, atime, mtime, ctime, crtime, nlink)
VALUES (1, ?, 0, 0, 0, unixepoch(), unixepoch(), unixepoch(), unixepoch(), 2);
`

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		// Count placeholders in this statement
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
