package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteRunStore is a RunStore backed by SQLite.
//
// It expects an *sql.DB opened with the "sqlite" driver from
// modernc.org/sqlite. SQLite allows a single writer, so callers should
// limit the pool, e.g.:
//
//	db.SetMaxOpenConns(1)
//
// This is required for ":memory:" databases, where every connection would
// otherwise see its own empty database.
type SQLiteRunStore struct {
	*sqlRunStore
}

// Ensure SQLiteRunStore implements RunStore.
var _ RunStore = (*SQLiteRunStore)(nil)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		company_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		state_json TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		event_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_session ON workflow_runs (session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs (status, created_at)`,
}

// NewSQLiteRunStore initializes the required schema in the given database
// and returns a new SQLiteRunStore.
func NewSQLiteRunStore(ctx context.Context, db *sql.DB) (*SQLiteRunStore, error) {
	s, err := newSQLRunStore(ctx, db, sqlDialect{
		name:              "sqlite",
		schema:            sqliteSchema,
		rebind:            bindQuestion,
		isUniqueViolation: isSQLiteUniqueViolation,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteRunStore{sqlRunStore: s}, nil
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
