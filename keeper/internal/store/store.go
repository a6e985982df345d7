// Package store is the data access layer of groundkeeper. Every table lives
// in one SQLite database; the caller opens it with dbopen and applies Schema.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/groundkeeper/dbopen"
)

var (
	// ErrNotFound is returned by mutations whose target row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConnectionBusy is returned when another holder owns the connection lease.
	ErrConnectionBusy = errors.New("store: connection busy")
	// ErrLostClaim is returned when a worker finishes a unit it no longer owns.
	ErrLostClaim = errors.New("store: extraction claim lost")
	// ErrAlreadyQueued is returned when the source already has an active unit.
	ErrAlreadyQueued = errors.New("store: extraction already queued")
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the groundkeeper database.
type Store struct {
	DB *sql.DB

	x   dbtx
	now func() time.Time
}

// New creates a Store from an already-opened database.
func New(db *sql.DB) *Store {
	return &Store{DB: db, x: db, now: time.Now}
}

// SetClock replaces the time source. Tests use it to move through windows.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) ms() int64 { return s.now().UnixMilli() }

// InTx runs fn against a Store bound to one transaction, retried on
// SQLITE_BUSY. Calling InTx on a transactional Store reuses its transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, ok := s.x.(*sql.Tx); ok {
		return fn(s)
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		return fn(&Store{DB: s.DB, x: tx, now: s.now})
	})
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func ptrInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// collect drains rows with scan.
func collect[T any](rows *sql.Rows, err error, scan func(scanner) (*T, error)) ([]*T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// one adapts a single-row scan to the nil, nil convention on no rows.
func one[T any](row *sql.Row, scan func(scanner) (*T, error)) (*T, error) {
	v, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}
