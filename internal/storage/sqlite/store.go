// Package sqlite is the SQLite backend (modernc.org/sqlite, no cgo).
//
// Key design points vs SQL Server:
//   - SQLite has no native date type. Date values are stored as RFC3339 TEXT
//     and parsed back on fetch, which round-trips reliably with modernc.
//   - The pool is pinned to one connection. SQLite serializes writers anyway,
//     and a single handle keeps ":memory:" databases coherent.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"tagsync/internal/storage"
	"tagsync/internal/storage/sqldb"
)

const kind = "sqlite"

func init() {
	storage.Register(kind, Open)
	storage.RegisterClassifier(classify)
}

// Dialect is the SQLite flavour of sqldb.Dialect.
var Dialect = sqldb.Dialect{
	Name:        kind,
	Ident:       sqlIdent,
	TableIdent:  sqlTableIdent,
	Placeholder: func(int) string { return "?" },
	// Stay under the historical SQLITE_MAX_VARIABLE_NUMBER of 999.
	MaxInList:  500,
	EncodeTime: func(t time.Time) any { return formatSQLiteTime(t) },
	DecodeTime: parseSQLiteTime,
}

// Open opens the database file named by cfg.DSN.
func Open(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	cfg.MaxOpenConns = 1
	raw, err := sqldb.OpenDB(ctx, "sqlite", cfg)
	if err != nil {
		return nil, err
	}
	return sqldb.New(sqldb.Wrap(raw), Dialect, cfg, describe), nil
}

func describe(ctx context.Context, db sqldb.DB, table string) ([]storage.Column, error) {
	schema, name := splitQualifiedName(table)
	q := "PRAGMA table_info(" + sqlIdent(name) + ")"
	if schema != "" {
		q = "PRAGMA " + sqlIdent(schema) + ".table_info(" + sqlIdent(name) + ")"
	}
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Column
	pks, rowid := 0, -1
	for rows.Next() {
		var (
			cid, notNull, pk int
			colName, typ     string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &colName, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		col := storage.Column{
			Name:       colName,
			DataType:   strings.ToLower(typ),
			Type:       storage.TypeOf(typ),
			Nullable:   notNull == 0,
			HasDefault: dflt.Valid,
			MaxLength:  declaredLength(typ),
		}
		if pk > 0 {
			pks++
			if strings.EqualFold(strings.TrimSpace(typ), "INTEGER") {
				rowid = len(out)
			}
		}
		out = append(out, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// A lone INTEGER PRIMARY KEY aliases rowid and fills itself in.
	if pks == 1 && rowid >= 0 {
		out[rowid].Identity = true
	}
	return out, nil
}

// declaredLength extracts n from "VARCHAR(n)". SQLite does not enforce it,
// but the executor's preflight does, so both modes agree across backends.
func declaredLength(typ string) int {
	open := strings.IndexByte(typ, '(')
	end := strings.IndexByte(typ, ')')
	if open < 0 || end <= open || !strings.Contains(strings.ToLower(typ), "char") {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(typ[open+1 : end]))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// classify maps SQLite primary result codes to storage kinds.
func classify(err error) (storage.Kind, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return storage.Unknown, false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
		return storage.ConstraintViolation, true
	case sqlite3.SQLITE_MISMATCH:
		return storage.TypeError, true
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return storage.Transient, true
	case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB:
		return storage.ConnectionLost, true
	}
	return storage.Unknown, false
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqlTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return sqlIdent(table)
	}
	return sqlIdent(schema) + "." + sqlIdent(table)
}

func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}
