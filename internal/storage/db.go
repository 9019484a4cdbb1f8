// Package storage is the relay's SQLite persistence: messages, group
// membership and the users the relay has seen.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the relay's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path. The special path ":memory:"
// opens a private in-memory database.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
			id                  TEXT NOT NULL UNIQUE,
			client_message_id   TEXT NOT NULL,
			from_user           TEXT NOT NULL,
			to_user             TEXT NOT NULL DEFAULT '',
			group_id            TEXT NOT NULL DEFAULT '',
			message_type        TEXT NOT NULL DEFAULT 'text',
			content             TEXT NOT NULL DEFAULT '',
			metadata            TEXT NOT NULL DEFAULT '',
			reply_to_message_id TEXT NOT NULL DEFAULT '',
			created_at          INTEGER NOT NULL,
			UNIQUE (from_user, client_message_id)
		);
		CREATE INDEX IF NOT EXISTS messages_direct ON messages (from_user, to_user, seq);
		CREATE INDEX IF NOT EXISTS messages_group ON messages (group_id, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	// Last known member list per group, so history stays readable for members
	// that are offline.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _group_members (
			group_id  TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (group_id, user_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create group members table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _users (
			user_id   TEXT PRIMARY KEY,
			online    INTEGER DEFAULT 0,
			last_seen INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// SetMeta stores a key in the metadata table.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetMeta returns a metadata value, or false if unset.
func (d *DB) GetMeta(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	if err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v); err != nil {
		return "", false
	}
	return v, true
}
