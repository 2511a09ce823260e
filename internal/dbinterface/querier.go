// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dbinterface decouples the model stores from *sql.DB so tests can
// run against transactions or an in-memory database.
package dbinterface

import (
	"context"
	"database/sql"
)

// Querier is the subset of database/sql used by the stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxQuerier adds transaction control for callers that need atomic multi-row
// updates.
type TxQuerier interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
