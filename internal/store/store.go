// Package store persists the auth page's web-storage keyspace (session
// token, pending plan selection) in SQLite, standing in for the browser's
// local storage between probe runs.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

var schema = `
CREATE TABLE IF NOT EXISTS web_storage (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	// Enable WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Get returns the value for key, and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM web_storage WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		s.log.Error("store: get", "key", key, "error", err)
		return "", false
	}
	return value, true
}

// Set writes or replaces the value for key.
func (s *Store) Set(key, value string) {
	_, err := s.db.Exec(
		`INSERT INTO web_storage (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		s.log.Error("store: set", "key", key, "error", err)
	}
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) {
	if _, err := s.db.Exec(`DELETE FROM web_storage WHERE key = ?`, key); err != nil {
		s.log.Error("store: delete", "key", key, "error", err)
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}
