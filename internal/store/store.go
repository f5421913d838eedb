// Package store is the SQL storage substrate: a single embedded SQLite file
// per deployment, WAL-enabled for concurrent readers with a single writer,
// and a contentless FTS5 index over messages.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the database connection and its migration state.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates a SQLite database at path, enabling WAL mode and
// foreign keys, then applies the bundled schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	escaped := strings.ReplaceAll(path, " ", "%20")
	db, err := sql.Open("sqlite", "file:"+escaped+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite permits exactly one writer; serialize on a single connection
	// so the driver's own locking lines up with WAL single-writer semantics.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the bundled schema. It is idempotent (CREATE TABLE IF NOT
// EXISTS throughout) so it is safe to call on every process start.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the raw connection for queries and statements that run
// outside of a transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database answers, used by the /ready and /api/v1/doctor
// endpoints and the doctor subcommand.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx wraps an in-flight transaction.
type Tx struct {
	tx *sql.Tx
}

// Transaction runs fn within a transaction, rolling back on error or commit
// failure and committing otherwise. Suitable for the SQL-is-the-oracle
// atomicity spec requires (message send, reservation grant).
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// Exec and Query proxy to the wrapped *sql.Tx so entity controllers can stay
// agnostic of database/sql.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// Now returns the current time truncated to what SQLite's datetime
// functions understand, matching RFC3339 string storage throughout.
func Now() time.Time {
	return time.Now().UTC().Round(time.Microsecond)
}

// FormatTS renders a timestamp the way it is stored in TEXT columns.
func FormatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTS parses a stored timestamp. Empty strings return the zero time.
func ParseTS(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// NullableTS renders a nullable timestamp for storage, or nil when zero.
func NullableTS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return FormatTS(t)
}
