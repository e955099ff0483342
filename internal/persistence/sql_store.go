package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/petrijr/fluxrun/pkg/api"
)

// sqlDialect captures what differs between the SQL backends.
type sqlDialect struct {
	name              string
	schema            []string
	rebind            func(query string) string
	isUniqueViolation func(err error) bool
}

// sqlRunStore is the RunStore shared by the SQLite and PostgreSQL
// backends. Both speak INSERT ... ON CONFLICT; queries are written with '?'
// placeholders and rebound per dialect.
//
// Table layout:
//
//	workflow_runs(run_id PK, session_id, company_name, status, state_json,
//	              idempotency_key UNIQUE, event_count, created_at, updated_at)
//
// created_at and updated_at hold Unix nanoseconds so ordering is exact on
// both backends.
type sqlRunStore struct {
	db      *sql.DB
	dialect sqlDialect
}

const runColumns = `run_id, session_id, company_name, status, state_json, idempotency_key, event_count, created_at, updated_at`

func newSQLRunStore(ctx context.Context, db *sql.DB, d sqlDialect) (*sqlRunStore, error) {
	s := &sqlRunStore{db: db, dialect: d}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: init schema: %w", d.name, err)
		}
	}
	return s, nil
}

type runRow struct {
	state      []byte
	key        sql.NullString
	eventCount int
	createdAt  int64
	updatedAt  int64
}

func toRunRow(run *api.RunState) (runRow, error) {
	state, err := EncodeRun(run)
	if err != nil {
		return runRow{}, err
	}
	return runRow{
		state:      state,
		key:        sql.NullString{String: run.IdempotencyKey, Valid: run.IdempotencyKey != ""},
		eventCount: run.EventCount(),
		createdAt:  run.CreatedAt.UnixNano(),
		updatedAt:  run.UpdatedAt.UnixNano(),
	}, nil
}

func (s *sqlRunStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlRunStore) wrap(op string, err error) error {
	if s.dialect.isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return fmt.Errorf("%s: %s: %w", s.dialect.name, op, err)
}

func (s *sqlRunStore) Save(ctx context.Context, run *api.RunState) error {
	row, err := toRunRow(run)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			company_name = excluded.company_name,
			status = excluded.status,
			state_json = excluded.state_json,
			event_count = excluded.event_count,
			updated_at = excluded.updated_at`,
		run.RunID, run.SessionID, run.CompanyName, string(run.Status), string(row.state),
		row.key, row.eventCount, row.createdAt, row.updatedAt,
	)
	if err != nil {
		return s.wrap("save run", err)
	}
	return nil
}

func (s *sqlRunStore) CreateOrGet(ctx context.Context, run *api.RunState) (*api.RunState, bool, error) {
	row, err := toRunRow(run)
	if err != nil {
		return nil, false, err
	}

	res, err := s.exec(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		run.RunID, run.SessionID, run.CompanyName, string(run.Status), string(row.state),
		row.key, row.eventCount, row.createdAt, row.updatedAt,
	)
	if err != nil {
		return nil, false, s.wrap("create run", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, s.wrap("create run", err)
	}
	if affected == 1 {
		stored, err := cloneRun(run)
		return stored, true, err
	}

	if run.IdempotencyKey == "" {
		// The conflict was on run_id.
		return nil, false, ErrDuplicateKey
	}
	stored, err := s.FindByIdempotencyKey(ctx, run.IdempotencyKey)
	if errors.Is(err, ErrRunNotFound) {
		return nil, false, ErrDuplicateKey
	}
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *sqlRunStore) Update(ctx context.Context, run *api.RunState, expectedEventCount int) error {
	row, err := toRunRow(run)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
		UPDATE workflow_runs
		SET company_name = ?, status = ?, state_json = ?,
			event_count = ?, updated_at = ?
		WHERE run_id = ? AND event_count = ?`,
		run.CompanyName, string(run.Status), string(row.state),
		row.eventCount, row.updatedAt,
		run.RunID, expectedEventCount,
	)
	if err != nil {
		return s.wrap("update run", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return s.wrap("update run", err)
	}
	if affected == 1 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM workflow_runs WHERE run_id = ?`), run.RunID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return s.wrap("update run", err)
	}
	return ErrConcurrentUpdate
}

func (s *sqlRunStore) Load(ctx context.Context, runID string) (*api.RunState, error) {
	return s.loadOne(ctx, "load run", `SELECT `+loadColumns+` FROM workflow_runs WHERE run_id = ?`, runID)
}

func (s *sqlRunStore) FindByIdempotencyKey(ctx context.Context, key string) (*api.RunState, error) {
	if key == "" {
		return nil, ErrRunNotFound
	}
	return s.loadOne(ctx, "find by idempotency key", `SELECT `+loadColumns+` FROM workflow_runs WHERE idempotency_key = ?`, key)
}

func (s *sqlRunStore) FindBySession(ctx context.Context, sessionID string) ([]*api.RunState, error) {
	return s.list(ctx, "find by session", `WHERE session_id = ?`, sessionID)
}

func (s *sqlRunStore) ListActive(ctx context.Context) ([]*api.RunState, error) {
	active := activeStatusStrings()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(active)), ", ")
	args := make([]any, len(active))
	for i, st := range active {
		args[i] = st
	}
	return s.list(ctx, "list active", `WHERE status IN (`+placeholders+`)`, args...)
}

func (s *sqlRunStore) ListByStatus(ctx context.Context, status api.RunStatus) ([]*api.RunState, error) {
	return s.list(ctx, "list by status", `WHERE status = ?`, string(status))
}

func (s *sqlRunStore) ListAll(ctx context.Context) ([]*api.RunState, error) {
	return s.list(ctx, "list all", ``)
}

// Ping verifies the database connection.
func (s *sqlRunStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlRunStore) loadOne(ctx context.Context, op, query string, arg any) (*api.RunState, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, s.dialect.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil && !errors.Is(err, ErrCorruptState) {
		return nil, s.wrap(op, err)
	}
	return run, err
}

func (s *sqlRunStore) list(ctx context.Context, op, where string, args ...any) ([]*api.RunState, error) {
	query := `SELECT ` + loadColumns + ` FROM workflow_runs ` + where + ` ORDER BY created_at, run_id`
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	defer rows.Close()

	out := make([]*api.RunState, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if errors.Is(err, ErrCorruptState) {
			return nil, err
		}
		if err != nil {
			return nil, s.wrap(op, err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(op, err)
	}
	return out, nil
}

// bindQuestion leaves '?' placeholders untouched.
// loadColumns are read back for every run. session_id and idempotency_key
// are insert-only, so the stored columns win over the snapshot.
const loadColumns = `state_json, session_id, idempotency_key`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*api.RunState, error) {
	var (
		state   string
		session string
		key     sql.NullString
	)
	if err := row.Scan(&state, &session, &key); err != nil {
		return nil, err
	}
	run, err := DecodeRun([]byte(state))
	if err != nil {
		return nil, err
	}
	run.SessionID = session
	run.IdempotencyKey = key.String
	return run, nil
}

func bindQuestion(query string) string { return query }

// bindDollar rewrites '?' placeholders to $1, $2, ...
func bindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
