package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesSchema(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	row := s.DB().QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type='table' AND name='projects'")
	var n int
	if err := row.Scan(&n); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 1 {
		t.Errorf("expected projects table to exist, got count %d", n)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openTest(t)
	if err := s.Migrate(); err != nil {
		t.Fatalf("second Migrate should be a no-op: %v", err)
	}
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	wantErr := errRollback{}
	err := s.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO projects (slug, human_key, created_at) VALUES (?, ?, ?)",
			"alpha", "/repo/alpha", FormatTS(Now())); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Transaction error = %v, want %v", err, wantErr)
	}

	var n int
	if err := s.DB().QueryRowContext(ctx, "SELECT count(*) FROM projects").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected rollback to leave 0 rows, got %d", n)
	}
}

func TestTransaction_CommitsOnSuccess(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	err := s.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx, "INSERT INTO projects (slug, human_key, created_at) VALUES (?, ?, ?)",
			"alpha", "/repo/alpha", FormatTS(Now()))
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	var n int
	if err := s.DB().QueryRowContext(ctx, "SELECT count(*) FROM projects").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 committed row, got %d", n)
	}
}

type errRollback struct{}

func (errRollback) Error() string { return "forced rollback" }
