// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle used for sessions, credentials and the offline
// cache.
type DB struct {
	*sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		host TEXT PRIMARY KEY,
		cookie_data TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		username TEXT NOT NULL,
		password_encrypted TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS offline_cache (
		cache_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		stored_at TIMESTAMP NOT NULL,
		hit_count INTEGER NOT NULL DEFAULT 0,
		last_used_at TIMESTAMP,
		PRIMARY KEY (kind, cache_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_offline_cache_kind ON offline_cache (kind)`,
}

// Open opens (and creates if needed) the sqlite database at path and applies
// migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// sqlite handles a single writer; avoid SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("database opened")
	return &DB{DB: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}
