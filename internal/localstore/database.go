// Package localstore is the daemon's local SQLite cache: a write-through
// backing for the Entity Registry and the Credential store, so the daemon
// has a warm registry before the first remote-store round trip succeeds.
// It is never the system of record for command status or entity history;
// those always flow to the remote store.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	pingTimeout = 5 * time.Second
)

// DB wraps a single-writer SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates the database directory if needed, opens the SQLite file
// with WAL mode and a busy timeout, restricts the pool to a single
// connection (SQLite has one writer), and verifies connectivity.
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("localstore: create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("localstore: open: %w", err)
	}
	conn.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("localstore: ping: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		conn.Close()
		return nil, fmt.Errorf("localstore: chmod: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("localstore: migrate: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error { return db.conn.Close() }

// Conn exposes the underlying *sql.DB for packages that need the raw
// connection pool, such as internal/credential, without importing
// localstore back into them and creating a cycle.
func (db *DB) Conn() *sql.DB { return db.conn }

func (db *DB) Path() string { return db.path }

func (db *DB) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.conn.PingContext(pingCtx)
}

func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		protocol TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		manufacturer TEXT,
		model TEXT,
		firmware_version TEXT,
		health_status TEXT NOT NULL DEFAULT 'unknown',
		health_last_seen DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		UNIQUE(protocol, fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		driver_key TEXT NOT NULL,
		name TEXT NOT NULL,
		descriptor_json TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_device ON entities(device_id)`,
	`CREATE TABLE IF NOT EXISTS entity_state (
		entity_id TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
		value_json TEXT NOT NULL,
		attrs_json TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		device_id TEXT PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
		protocol TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		nonce BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		rotated_at DATETIME NOT NULL
	)`,
}
