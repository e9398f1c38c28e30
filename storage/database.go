// Package storage keeps a host application's transfer history in SQLite.
// The coordination service itself never touches it: sessions are ephemeral
// and are not persisted across restarts.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "droplink.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id         TEXT PRIMARY KEY,
  session_id          TEXT NOT NULL,
  peer_connection_id  TEXT,
  filename            TEXT NOT NULL,
  filesize            INTEGER NOT NULL,
  direction           TEXT NOT NULL CHECK(direction IN ('send','receive')),
  status              TEXT NOT NULL CHECK(status IN ('active','complete','failed')) DEFAULT 'active',
  stored_path         TEXT NOT NULL DEFAULT '',
  started_at          INTEGER NOT NULL,
  finished_at         INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_session_time
ON transfers (session_id, started_at DESC, transfer_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_status_time
ON transfers (status, started_at DESC, transfer_id);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) the history database under the given data directory
// and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	for i, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}
