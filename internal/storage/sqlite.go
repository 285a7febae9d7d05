package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database. It skips the filesystem
// checks.
const MemoryPath = ":memory:"

// OpenSQLite opens (and creates if needed) the journal database at path and
// ensures its tables exist. Paths on network filesystems are refused.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != MemoryPath {
		if err := checkLocalFilesystem(path); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == MemoryPath {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if path != MemoryPath {
		if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the journal tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS journal (
  id          TEXT PRIMARY KEY,
  kind        TEXT NOT NULL,
  caller      TEXT NOT NULL,
  principal   TEXT,
  command     INTEGER,
  subcommand  INTEGER,
  handle      INTEGER,
  detail      TEXT,
  created_at  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS journal_created_at_idx ON journal(created_at);`,
		`CREATE INDEX IF NOT EXISTS journal_caller_kind_idx ON journal(caller, kind);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
