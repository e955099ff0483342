package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/petrijr/fluxrun/pkg/api"
)

func newTestSQLiteStore(t *testing.T) *SQLiteRunStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteRunStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSQLiteRunStore failed: %v", err)
	}
	return store
}

func TestSQLiteRunStore_Conformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) RunStore {
		return newTestSQLiteStore(t)
	})
}

func TestSQLiteRunStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	open := func() (*sql.DB, *SQLiteRunStore) {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			t.Fatalf("sql.Open failed: %v", err)
		}
		db.SetMaxOpenConns(1)
		store, err := NewSQLiteRunStore(ctx, db)
		if err != nil {
			t.Fatalf("NewSQLiteRunStore failed: %v", err)
		}
		return db, store
	}

	db, store := open()
	run := testRun("Acme", 0, api.WithIdempotencyKey("persist"))
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	_ = db.Close()

	db, store = open()
	defer db.Close()

	got, err := store.FindByIdempotencyKey(ctx, "persist")
	if err != nil {
		t.Fatalf("FindByIdempotencyKey after reopen failed: %v", err)
	}
	if got.RunID != run.RunID {
		t.Fatalf("got run %s, want %s", got.RunID, run.RunID)
	}
}

func TestSQLiteRunStore_CorruptRowIsReported(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	run := testRun("Acme", 0)
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.db.Exec(`UPDATE workflow_runs SET state_json = '{"run_id":' WHERE run_id = ?`, run.RunID); err != nil {
		t.Fatalf("corrupting row failed: %v", err)
	}

	if _, err := store.Load(ctx, run.RunID); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
}

func TestIsSQLiteUniqueViolation(t *testing.T) {
	if isSQLiteUniqueViolation(nil) {
		t.Fatalf("nil is not a violation")
	}
	if !isSQLiteUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: workflow_runs.idempotency_key (2067)")) {
		t.Fatalf("expected message match")
	}
	if isSQLiteUniqueViolation(errors.New("database is locked")) {
		t.Fatalf("unexpected match")
	}
}

func TestBindDollar(t *testing.T) {
	got := bindDollar(`UPDATE t SET a = ?, b = ? WHERE c = ?`)
	want := `UPDATE t SET a = $1, b = $2 WHERE c = $3`
	if got != want {
		t.Fatalf("bindDollar()=%q, want %q", got, want)
	}
}
