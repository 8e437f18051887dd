package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "synchub.db"
	// DefaultClipboardRetention controls automatic clipboard history pruning.
	DefaultClipboardRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS devices (
  device_id    TEXT PRIMARY KEY,
  device_name  TEXT NOT NULL,
  device_type  TEXT NOT NULL DEFAULT 'unknown',
  trust_state  TEXT NOT NULL CHECK(trust_state IN ('unknown','pending','trusted','revoked')) DEFAULT 'unknown',
  paired_at    INTEGER,
  last_seen    INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS pairing_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  device_id  TEXT NOT NULL,
  code       TEXT NOT NULL,
  result     TEXT NOT NULL CHECK(result IN ('accepted','code_invalid','code_expired','code_already_used')),
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_pairing_events_device_time
ON pairing_events (device_id, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id  TEXT PRIMARY KEY,
  device_id    TEXT NOT NULL REFERENCES devices(device_id),
  direction    TEXT NOT NULL CHECK(direction IN ('upload','download')),
  file_name    TEXT NOT NULL,
  file_size    INTEGER NOT NULL,
  bytes_acked  INTEGER NOT NULL DEFAULT 0,
  status       TEXT NOT NULL CHECK(status IN ('pending','active','paused','completed','failed','canceled')) DEFAULT 'pending',
  checksum     TEXT,
  created_at   INTEGER NOT NULL,
  updated_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_device_time
ON transfers (device_id, updated_at DESC, transfer_id);
`,
	`
CREATE TABLE IF NOT EXISTS clipboard_history (
  id                INTEGER PRIMARY KEY AUTOINCREMENT,
  content           TEXT NOT NULL,
  origin_device_id  TEXT NOT NULL,
  timestamp         INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_clipboard_history_time
ON clipboard_history (timestamp DESC, id DESC);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) the hub database under the given data directory
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
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
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
		s.db = nil
	})
	return closeErr
}

func (s *Store) enableWALMode() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	for i, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			if isDuplicateColumnError(err) {
				continue
			}
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
