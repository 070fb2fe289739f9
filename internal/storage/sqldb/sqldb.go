// Package sqldb implements storage.Store over database/sql. The mssql and
// sqlite backends supply a Dialect and a column describer; everything else
// (chunked fetch, insert and update statements, transaction bookkeeping) is
// shared.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tagsync/internal/record"
	"tagsync/internal/storage"
)

// Dialect captures the SQL differences between database/sql backends.
type Dialect struct {
	Name string

	// Ident quotes a column identifier. TableIdent quotes a possibly
	// schema-qualified table name.
	Ident      func(string) string
	TableIdent func(string) string

	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// UpdateHint is written after the table name in UPDATE statements.
	UpdateHint string

	// MaxInList bounds the number of tags per FetchExisting query.
	MaxInList int

	// EncodeTime converts a date value before binding. Nil binds time.Time.
	EncodeTime func(time.Time) any

	// DecodeTime parses date columns scanned as text. Nil falls back to the
	// generic date parser.
	DecodeTime func(string) (time.Time, error)
}

// Describer lists the columns of table.
type Describer func(ctx context.Context, db DB, table string) ([]storage.Column, error)

// Store is a database/sql backed storage.Store.
type Store struct {
	db        DB
	d         Dialect
	describe  Describer
	table     string
	tagColumn string

	mu     sync.Mutex
	schema *storage.Schema
}

// New binds db to one table. db is owned by the Store from here on.
func New(db DB, d Dialect, cfg storage.Config, describe Describer) *Store {
	if d.MaxInList <= 0 {
		d.MaxInList = 1000
	}
	return &Store{db: db, d: d, describe: describe, table: cfg.Table, tagColumn: cfg.TagColumn}
}

// OpenDB opens and pings a database/sql handle with the pool and timeout
// settings from cfg.
func OpenDB(ctx context.Context, driverName string, cfg storage.Config) (*sql.DB, error) {
	raw, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		raw.SetMaxOpenConns(cfg.MaxOpenConns)
		raw.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := raw.PingContext(pingCtx); err != nil {
		_ = raw.Close()
		return nil, &storage.Error{Kind: storage.ConnectionLost, Op: driverName + ": ping", Err: err}
	}
	return raw, nil
}

func (s *Store) Describe(ctx context.Context) (storage.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema != nil {
		return *s.schema, nil
	}

	cols, err := s.describe(ctx, s.db, s.table)
	if err != nil {
		return storage.Schema{}, fmt.Errorf("%s: describe %s: %w", s.d.Name, s.table, err)
	}
	if len(cols) == 0 {
		return storage.Schema{}, fmt.Errorf("%s: describe %s: table not found or has no columns", s.d.Name, s.table)
	}
	sc := storage.Schema{Table: s.table, TagColumn: s.tagColumn, Columns: cols}
	if c, ok := sc.Column(s.tagColumn); ok {
		// Use the database's spelling from here on.
		sc.TagColumn = c.Name
	}
	s.schema = &sc
	return sc, nil
}

// FetchExisting selects every described column for tags, chunked under the
// dialect's IN-list limit.
func (s *Store) FetchExisting(ctx context.Context, tags []string) (map[string]record.Record, error) {
	out := make(map[string]record.Record, len(tags))
	if len(tags) == 0 {
		return out, nil
	}
	sc, err := s.Describe(ctx)
	if err != nil {
		return nil, err
	}
	cols := sc.Names()

	uniq := dedupeTags(tags)
	for _, part := range storage.Chunks(uniq, s.d.MaxInList) {
		q := BuildSelectSQL(s.d, s.table, cols, sc.TagColumn, len(part))
		args := make([]any, len(part))
		for i, t := range part {
			args[i] = t
		}
		if err := s.scanInto(ctx, sc, cols, q, args, out); err != nil {
			return nil, fmt.Errorf("%s: fetch existing: %w", s.d.Name, err)
		}
	}
	return out, nil
}

func (s *Store) scanInto(ctx context.Context, sc storage.Schema, cols []string, q string, args []any, out map[string]record.Record) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	// Scan destinations must be pointers. We build a parallel slice of &vals[i].
	vals := make([]any, len(cols))
	dests := make([]any, len(cols))
	for i := range vals {
		dests[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(dests...); err != nil {
			return err
		}
		var tag string
		fields := make([]record.Field, len(cols))
		for i, c := range cols {
			fields[i] = record.Field{Column: c, Value: s.decode(sc, c, vals[i])}
			if c == sc.TagColumn {
				tag = storage.NormalizeKey(fields[i].Value)
			}
		}
		out[tag] = record.New(tag, fields)
	}
	return rows.Err()
}

func (s *Store) decode(sc storage.Schema, col string, v any) record.Value {
	if s.d.DecodeTime != nil {
		if c, ok := sc.Column(col); ok && c.Type == storage.TypeDate {
			var text string
			switch t := v.(type) {
			case string:
				text = t
			case []byte:
				text = string(t)
			}
			if text != "" {
				if ts, err := s.d.DecodeTime(text); err == nil {
					return record.Date(ts)
				}
			}
		}
	}
	return sc.ValueOf(col, v)
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	sc, err := s.Describe(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: begin: %w", s.d.Name, err)
	}
	return &Tx{tx: tx, d: s.d, table: s.table, tagColumn: sc.TagColumn}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &storage.Error{Kind: storage.ConnectionLost, Op: s.d.Name + ": ping", Err: err}
	}
	return nil
}

func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// Tx is one database/sql write transaction.
type Tx struct {
	tx        TxConn
	d         Dialect
	table     string
	tagColumn string
	done      bool
}

func (t *Tx) bind(v record.Value) any {
	if ts, ok := v.Time(); ok && t.d.EncodeTime != nil {
		return t.d.EncodeTime(ts)
	}
	return v.Any()
}

// Insert writes rec. Blank fields are left out of the column list so column
// defaults and NULL apply.
func (t *Tx) Insert(ctx context.Context, rec record.Record) error {
	fields := storage.InsertFields(rec)
	if len(fields) == 0 {
		return fmt.Errorf("%s: insert %q: no columns", t.d.Name, rec.Tag)
	}
	cols := make([]string, len(fields))
	args := make([]any, len(fields))
	for i, f := range fields {
		cols[i] = f.Column
		args[i] = t.bind(f.Value)
	}
	if _, err := t.tx.ExecContext(ctx, BuildInsertSQL(t.d, t.table, cols), args...); err != nil {
		return fmt.Errorf("%s: insert %q: %w", t.d.Name, rec.Tag, err)
	}
	return nil
}

func (t *Tx) Update(ctx context.Context, tag string, set []record.Field) error {
	if len(set) == 0 {
		return nil
	}
	cols := make([]string, len(set))
	args := make([]any, 0, len(set)+1)
	for i, f := range set {
		cols[i] = f.Column
		args = append(args, t.bind(f.Value))
	}
	args = append(args, tag)

	res, err := t.tx.ExecContext(ctx, BuildUpdateSQL(t.d, t.table, t.tagColumn, cols), args...)
	if err != nil {
		return fmt.Errorf("%s: update %q: %w", t.d.Name, tag, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: update %q: rows affected: %w", t.d.Name, tag, err)
	}
	if n != 1 {
		return &storage.Error{
			Kind: storage.ConstraintViolation,
			Op:   fmt.Sprintf("%s: update %q: %d rows matched", t.d.Name, tag, n),
			Err:  storage.ErrTagNotFound,
		}
	}
	return nil
}

func (t *Tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// BuildSelectSQL returns SELECT cols FROM table WHERE tag IN (n params).
func BuildSelectSQL(d Dialect, table string, cols []string, tagColumn string, n int) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	writeIdentList(&b, d, cols)
	b.WriteString(" FROM ")
	b.WriteString(d.TableIdent(table))
	b.WriteString(" WHERE ")
	b.WriteString(d.Ident(tagColumn))
	b.WriteString(" IN (")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i + 1))
	}
	b.WriteString(")")
	return b.String()
}

// BuildInsertSQL returns a single-row INSERT for cols.
func BuildInsertSQL(d Dialect, table string, cols []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.TableIdent(table))
	b.WriteString(" (")
	writeIdentList(&b, d, cols)
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i + 1))
	}
	b.WriteString(")")
	return b.String()
}

// BuildUpdateSQL returns UPDATE table SET cols WHERE tag = last param.
func BuildUpdateSQL(d Dialect, table, tagColumn string, cols []string) string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(d.TableIdent(table))
	b.WriteString(d.UpdateHint)
	b.WriteString(" SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Ident(c))
		b.WriteString(" = ")
		b.WriteString(d.Placeholder(i + 1))
	}
	b.WriteString(" WHERE ")
	b.WriteString(d.Ident(tagColumn))
	b.WriteString(" = ")
	b.WriteString(d.Placeholder(len(cols) + 1))
	return b.String()
}

func writeIdentList(b *strings.Builder, d Dialect, cols []string) {
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Ident(c))
	}
}

// dedupeTags drops blanks and repeats, keeping first-seen order.
func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		k := storage.NormalizeKey(t)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
