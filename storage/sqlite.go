// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tomoki33/ordo-sync/syncerr"
)

// SQLiteStore persists the key-value space in a single SQLite file. SQLite
// allows one writer at a time; writes serialize on a mutex so concurrent
// engine goroutines never trip SQLITE_BUSY.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the store at path. ":memory:" gives
// an ephemeral store for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, syncerr.Storage(syncerr.OpStore, fmt.Errorf("open sqlite at %s: %w", path, err))
	}
	if err := initializeDatabase(db); err != nil {
		_ = db.Close()
		return nil, syncerr.Storage(syncerr.OpStore, err)
	}
	return &SQLiteStore{db: db}, nil
}

func initializeDatabase(db *sql.DB) error {
	// In-memory databases lose their schema if the pool opens a second
	// connection, so pin the pool to one.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv_entries (
		key        TEXT PRIMARY KEY NOT NULL,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return fmt.Errorf("failed to create kv_entries: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncerr.Storage(syncerr.OpStore, fmt.Errorf("get %s: %w", key, err))
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, key, value)
	if err != nil {
		return syncerr.Storage(syncerr.OpStore, fmt.Errorf("set %s: %w", key, err))
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return syncerr.Storage(syncerr.OpStore, fmt.Errorf("remove %s: %w", key, err))
	}
	return nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_entries WHERE key >= ? AND key < ? ORDER BY key ASC`,
		prefix, prefix+"￿")
	if err != nil {
		return nil, syncerr.Storage(syncerr.OpStore, fmt.Errorf("list %s: %w", prefix, err))
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, syncerr.Storage(syncerr.OpStore, fmt.Errorf("scan key: %w", err))
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage(syncerr.OpStore, fmt.Errorf("iterate keys: %w", err))
	}
	return keys, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
