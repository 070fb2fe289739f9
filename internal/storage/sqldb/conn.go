package sqldb

import (
	"context"
	"database/sql"
)

// ---- database/sql seam types ----

// DB is a small interface over *sql.DB used to make this package testable.
//
// It intentionally includes only the methods the store needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (TxConn, error)
	PingContext(ctx context.Context) error
	Close() error
}

// TxConn is a small interface over *sql.Tx.
type TxConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// Wrap adapts *sql.DB to DB.
func Wrap(db *sql.DB) DB { return &sqlDB{db: db} }

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a TxConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (TxConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlDB) Close() error { return s.db.Close() }

// compile-time sanity checks (no runtime cost).
var (
	_ DB     = (*sqlDB)(nil)
	_ TxConn = (*sql.Tx)(nil)
)
