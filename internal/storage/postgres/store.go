package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"tagsync/internal/record"
	"tagsync/internal/storage"
)

/*
Store implements storage.Store for Postgres on a pgxpool.

It provides:
  - Column discovery from information_schema.columns
  - Chunked IN (...) lookups with $N placeholders
  - Single-row INSERT and UPDATE ... WHERE tag = $n inside pgx transactions
*/
type Store struct {
	pool      pgxConn
	table     string
	tagColumn string

	mu     sync.Mutex
	schema *storage.Schema
}

// pgxConn is the subset of *pgxpool.Pool the store uses.
type pgxConn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Postgres accepts up to 65535 parameters; keep lookups comfortably inside.
const inListChunk = 2000

// Open creates a pool, applies cfg's limits, and pings it.
func Open(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &storage.Error{Kind: storage.ConnectionLost, Op: "postgres: ping", Err: err}
	}
	return &Store{pool: pool, table: cfg.Table, tagColumn: cfg.TagColumn}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &storage.Error{Kind: storage.ConnectionLost, Op: "postgres: ping", Err: err}
	}
	return nil
}

const describeSQL = `SELECT column_name, data_type, is_nullable, column_default IS NOT NULL,
	COALESCE(character_maximum_length, 0), is_identity = 'YES'
FROM information_schema.columns
WHERE table_name = $1 AND table_schema = COALESCE(NULLIF($2, ''), current_schema())
ORDER BY ordinal_position`

func (s *Store) Describe(ctx context.Context) (storage.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema != nil {
		return *s.schema, nil
	}

	schema, name := splitQualifiedName(s.table)
	rows, err := s.pool.Query(ctx, describeSQL, name, schema)
	if err != nil {
		return storage.Schema{}, fmt.Errorf("postgres: describe %s: %w", s.table, err)
	}
	defer rows.Close()

	sc := storage.Schema{Table: s.table, TagColumn: s.tagColumn}
	for rows.Next() {
		var (
			col      storage.Column
			nullable string
			maxLen   int64
		)
		if err := rows.Scan(&col.Name, &col.DataType, &nullable, &col.HasDefault, &maxLen, &col.Identity); err != nil {
			return storage.Schema{}, fmt.Errorf("postgres: describe %s: %w", s.table, err)
		}
		col.DataType = strings.ToLower(col.DataType)
		col.Type = storage.TypeOf(col.DataType)
		col.Nullable = strings.EqualFold(nullable, "YES")
		col.MaxLength = int(maxLen)
		sc.Columns = append(sc.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return storage.Schema{}, fmt.Errorf("postgres: describe %s: %w", s.table, err)
	}
	if len(sc.Columns) == 0 {
		return storage.Schema{}, fmt.Errorf("postgres: describe %s: table not found or has no columns", s.table)
	}
	if c, ok := sc.Column(s.tagColumn); ok {
		sc.TagColumn = c.Name
	}
	s.schema = &sc
	return sc, nil
}

// FetchExisting uses a parameterized IN (...) list (chunked) instead of
// ANY($1) arrays to avoid driver array-typing edge cases.
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

	for _, part := range storage.Chunks(tags, inListChunk) {
		q, args := buildSelectSQL(s.table, cols, sc.TagColumn, part)
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("postgres: fetch existing: %w", err)
		}
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("postgres: fetch existing: %w", err)
			}
			var tag string
			fields := make([]record.Field, len(cols))
			for i, c := range cols {
				fields[i] = record.Field{Column: c, Value: sc.ValueOf(c, pgScalar(vals[i]))}
				if c == sc.TagColumn {
					tag = storage.NormalizeKey(fields[i].Value)
				}
			}
			out[tag] = record.New(tag, fields)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("postgres: fetch existing: %w", err)
		}
	}
	return out, nil
}

// pgScalar flattens pgx's richer decoded types into plain Go scalars.
func pgScalar(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		if !t.Valid {
			return nil
		}
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", t[0:4], t[4:6], t[6:8], t[8:10], t[10:16])
	}
	return v
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	sc, err := s.Describe(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	return &Tx{tx: tx, table: s.table, tagColumn: sc.TagColumn}, nil
}

// Tx wraps a pgx.Tx.
type Tx struct {
	tx        pgx.Tx
	table     string
	tagColumn string
	done      bool
}

func (t *Tx) Insert(ctx context.Context, rec record.Record) error {
	fields := storage.InsertFields(rec)
	if len(fields) == 0 {
		return fmt.Errorf("postgres: insert %q: no columns", rec.Tag)
	}
	q, args := buildInsertSQL(t.table, fields)
	if _, err := t.tx.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("postgres: insert %q: %w", rec.Tag, err)
	}
	return nil
}

func (t *Tx) Update(ctx context.Context, tag string, set []record.Field) error {
	if len(set) == 0 {
		return nil
	}
	q, args := buildUpdateSQL(t.table, t.tagColumn, tag, set)
	cmd, err := t.tx.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("postgres: update %q: %w", tag, err)
	}
	if n := cmd.RowsAffected(); n != 1 {
		return &storage.Error{
			Kind: storage.ConstraintViolation,
			Op:   fmt.Sprintf("postgres: update %q: %d rows matched", tag, n),
			Err:  storage.ErrTagNotFound,
		}
	}
	return nil
}

func (t *Tx) Commit() error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	return t.tx.Commit(context.Background())
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(context.Background()); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// buildSelectSQL is pure and deterministic so placeholder numbering can be
// unit tested without a database.
func buildSelectSQL(table string, cols []string, tagColumn string, tags []string) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" WHERE ")
	b.WriteString(pgIdent(tagColumn))
	b.WriteString(" IN (")

	args := make([]any, 0, len(tags))
	for i, tag := range tags {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
		args = append(args, tag)
	}
	b.WriteString(")")
	return b.String(), args
}

func buildInsertSQL(table string, fields []record.Field) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, f := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(f.Column))
	}
	b.WriteString(") VALUES (")
	args := make([]any, 0, len(fields))
	for i, f := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
		args = append(args, f.Value.Any())
	}
	b.WriteString(")")
	return b.String(), args
}

func buildUpdateSQL(table, tagColumn, tag string, set []record.Field) (string, []any) {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" SET ")
	args := make([]any, 0, len(set)+1)
	for i, f := range set {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = $%d", pgIdent(f.Column), i+1)
		args = append(args, f.Value.Any())
	}
	fmt.Fprintf(&b, " WHERE %s = $%d", pgIdent(tagColumn), len(set)+1)
	args = append(args, tag)
	return b.String(), args
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

// splitQualifiedName splits "schema.table".
//
// This helper is intentionally conservative: it only handles a single dot.
// If callers pass a more complex expression, we treat it as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// classify maps SQLSTATE codes to storage kinds.
func classify(err error) (storage.Kind, bool) {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch {
		case pe.Code == "40001", pe.Code == "40P01", pe.Code == "55P03", pe.Code == "57014":
			return storage.Transient, true
		case strings.HasPrefix(pe.Code, "23"):
			return storage.ConstraintViolation, true
		case strings.HasPrefix(pe.Code, "22"):
			return storage.TypeError, true
		case strings.HasPrefix(pe.Code, "08"), pe.Code == "57P01", pe.Code == "57P02", pe.Code == "57P03":
			return storage.ConnectionLost, true
		}
		return storage.Unknown, false
	}

	var ce *pgconn.ConnectError
	if errors.As(err, &ce) {
		return storage.ConnectionLost, true
	}
	if pgconn.Timeout(err) {
		return storage.Transient, true
	}
	return storage.Unknown, false
}
