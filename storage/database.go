package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "notirelay.db"

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS devices (
  uuid            TEXT PRIMARY KEY,
  display_name    TEXT NOT NULL,
  public_key      TEXT NOT NULL,
  shared_secret   TEXT NOT NULL,
  status          TEXT NOT NULL CHECK(status IN ('accepted','rejected','pending')) DEFAULT 'pending',
  needs_reverify  INTEGER NOT NULL DEFAULT 0,
  last_ip         TEXT,
  last_port       INTEGER,
  created_at      INTEGER NOT NULL,
  updated_at      INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS notifications (
  key          TEXT PRIMARY KEY,
  package_name TEXT NOT NULL,
  app_name     TEXT NOT NULL,
  title        TEXT NOT NULL,
  text         TEXT NOT NULL,
  time         INTEGER NOT NULL,
  device       TEXT NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_notifications_device_time
ON notifications (device, time, key);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) the database under the given data directory and
// runs migrations.
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
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) migrate() error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("run migration %d: %w", i, err)
		}
	}
	return nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func nullString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullIntValue(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}
