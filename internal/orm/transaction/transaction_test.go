package transaction

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates a test database with a test table
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE team (
			TEAM_ID INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("failed to create test table: %v", err)
	}

	return db
}

func countTeams(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM team").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func TestManager_Begin(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	mgr := NewManager(db)
	tx, err := mgr.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if tx.IsolationLevel() != "read_committed" {
		t.Errorf("expected read_committed isolation level, got %v", tx.IsolationLevel())
	}
	if tx.Statements() != 0 {
		t.Errorf("expected no statements yet, got %d", tx.Statements())
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if !tx.IsRolledBack() {
		t.Error("expected transaction to be rolled back")
	}
}

func TestTransaction_CommitAndRollback(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	mgr := NewManager(db)
	ctx := context.Background()

	tx, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO team (TEAM_ID, name) VALUES (1, 'teamA')"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if tx.Statements() != 1 {
		t.Errorf("expected 1 statement, got %d", tx.Statements())
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !tx.IsCommitted() {
		t.Error("expected committed")
	}
	if err := tx.Commit(); !errors.Is(err, ErrTransactionDone) {
		t.Errorf("expected ErrTransactionDone on second commit, got %v", err)
	}
	if err := tx.Rollback(); !errors.Is(err, ErrTransactionDone) {
		t.Errorf("expected ErrTransactionDone on rollback after commit, got %v", err)
	}

	tx, err = mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO team (TEAM_ID, name) VALUES (2, 'teamB')"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Errorf("second rollback should be a no-op, got %v", err)
	}

	if n := countTeams(t, db); n != 1 {
		t.Errorf("expected 1 team, got %d", n)
	}
}

func TestManager_WithTransaction(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	mgr := NewManager(db)
	ctx := context.Background()

	err := mgr.WithTransaction(ctx, func(tx *Transaction) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO team (TEAM_ID, name) VALUES (1, 'teamA')")
		return err
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}

	boom := errors.New("boom")
	err = mgr.WithTransaction(ctx, func(tx *Transaction) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO team (TEAM_ID, name) VALUES (2, 'teamB')"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if n := countTeams(t, db); n != 1 {
		t.Errorf("expected the failed transaction to roll back, got %d teams", n)
	}
}

func TestManager_WithTransactionPanic(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	mgr := NewManager(db)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = mgr.WithTransaction(ctx, func(tx *Transaction) error {
			tx.ExecContext(ctx, "INSERT INTO team (TEAM_ID, name) VALUES (1, 'teamA')")
			panic("boom")
		})
	}()

	if n := countTeams(t, db); n != 0 {
		t.Errorf("expected rollback after panic, got %d teams", n)
	}
}

func TestManager_Timeout(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	mgr := NewManagerWithOptions(db, Options{Default: true, Timeout: 10 * time.Millisecond})
	ctx := context.Background()

	tx, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if tx.IsolationLevel() != "default" {
		t.Errorf("expected the driver default isolation, got %s", tx.IsolationLevel())
	}
	<-tx.Done()

	if err := tx.Commit(); err == nil {
		t.Fatal("expected commit to fail after the deadline")
	}
}

func TestParseIsolationLevel(t *testing.T) {
	tests := []struct {
		input string
		want  IsolationLevel
		err   bool
	}{
		{"", ReadCommitted, false},
		{"read_committed", ReadCommitted, false},
		{"READ COMMITTED", ReadCommitted, false},
		{"repeatable-read", RepeatableRead, false},
		{"serializable", Serializable, false},
		{"read_uncommitted", ReadUncommitted, false},
		{"snapshot", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseIsolationLevel(tt.input)
		if tt.err {
			if err == nil {
				t.Errorf("ParseIsolationLevel(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseIsolationLevel(%q): %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseIsolationLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestIsolationLevel_RoundTrip(t *testing.T) {
	for _, level := range []IsolationLevel{ReadUncommitted, ReadCommitted, RepeatableRead, Serializable} {
		got, err := ParseIsolationLevel(level.String())
		if err != nil || got != level {
			t.Errorf("ParseIsolationLevel(%q) = %v, %v", level.String(), got, err)
		}
	}
	if got := IsolationLevel(99).String(); got != "isolation(99)" {
		t.Errorf("unexpected string for an unknown level %q", got)
	}
}

func TestOptions_SQLOptions(t *testing.T) {
	if got := (Options{Isolation: Serializable}).sqlOptions().Isolation; got != sql.LevelSerializable {
		t.Errorf("expected LevelSerializable, got %v", got)
	}
	if got := (Options{Isolation: Serializable, Default: true}).sqlOptions(); got != nil {
		t.Errorf("expected nil options for the driver default, got %+v", got)
	}
}
