package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresRunStore is a RunStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses the pgx stdlib driver. The caller is
// responsible for importing the driver for its side effects:
//
//	_ "github.com/jackc/pgx/v5/stdlib"
type PostgresRunStore struct {
	*sqlRunStore
}

// Ensure PostgresRunStore implements RunStore.
var _ RunStore = (*PostgresRunStore)(nil)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		company_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		state_json TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		event_count INTEGER NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_session ON workflow_runs (session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs (status, created_at)`,
}

// NewPostgresRunStore initializes the required schema in the given
// database and returns a new PostgresRunStore.
func NewPostgresRunStore(ctx context.Context, db *sql.DB) (*PostgresRunStore, error) {
	s, err := newSQLRunStore(ctx, db, sqlDialect{
		name:              "postgres",
		schema:            postgresSchema,
		rebind:            bindDollar,
		isUniqueViolation: isPostgresUniqueViolation,
	})
	if err != nil {
		return nil, err
	}
	return &PostgresRunStore{sqlRunStore: s}, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
