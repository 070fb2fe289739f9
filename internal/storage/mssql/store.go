// Package mssql is the Microsoft SQL Server backend.
//
// Behavior:
//   - Columns are read from INFORMATION_SCHEMA.COLUMNS.
//   - Identifiers are bracket-quoted and parameters are @pN.
//   - IN lists are chunked at 1000 tags: SQL Server has a hard limit of 2100
//     parameters per statement.
//   - Updates take UPDLOCK + ROWLOCK so concurrent writers for the same tag
//     serialize without table-wide locks.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"tagsync/internal/storage"
	"tagsync/internal/storage/sqldb"
)

const kind = "mssql"

func init() {
	storage.Register(kind, Open)
	storage.RegisterClassifier(classify)
}

// Dialect is the SQL Server flavour of sqldb.Dialect.
var Dialect = sqldb.Dialect{
	Name:        kind,
	Ident:       mssqlIdent,
	TableIdent:  mssqlTableIdent,
	Placeholder: func(n int) string { return "@p" + strconv.Itoa(n) },
	UpdateHint:  " WITH (UPDLOCK, ROWLOCK)",
	MaxInList:   1000,
}

// Open connects with the "sqlserver" driver registered by go-mssqldb and
// validates connectivity via PingContext.
func Open(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	raw, err := sqldb.OpenDB(ctx, "sqlserver", cfg)
	if err != nil {
		return nil, err
	}
	return sqldb.New(sqldb.Wrap(raw), Dialect, cfg, describe), nil
}

const describeSQL = `SELECT c.COLUMN_NAME, c.DATA_TYPE, c.IS_NULLABLE,
	CASE WHEN c.COLUMN_DEFAULT IS NULL THEN 0 ELSE 1 END,
	COALESCE(c.CHARACTER_MAXIMUM_LENGTH, 0),
	COALESCE(COLUMNPROPERTY(OBJECT_ID(QUOTENAME(c.TABLE_SCHEMA) + '.' + QUOTENAME(c.TABLE_NAME)), c.COLUMN_NAME, 'IsIdentity'), 0)
FROM INFORMATION_SCHEMA.COLUMNS c
WHERE c.TABLE_NAME = @p1 AND c.TABLE_SCHEMA = COALESCE(NULLIF(@p2, ''), SCHEMA_NAME())
ORDER BY c.ORDINAL_POSITION`

func describe(ctx context.Context, db sqldb.DB, table string) ([]storage.Column, error) {
	schema, name := splitQualifiedName(table)
	rows, err := db.QueryContext(ctx, describeSQL, name, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Column
	for rows.Next() {
		var (
			col                  storage.Column
			nullable             string
			hasDefault, identity int
			maxLen               int64
		)
		if err := rows.Scan(&col.Name, &col.DataType, &nullable, &hasDefault, &maxLen, &identity); err != nil {
			return nil, err
		}
		col.DataType = strings.ToLower(col.DataType)
		col.Type = storage.TypeOf(col.DataType)
		col.Nullable = strings.EqualFold(nullable, "YES")
		col.HasDefault = hasDefault == 1
		col.Identity = identity == 1
		// -1 is (max).
		if maxLen > 0 {
			col.MaxLength = int(maxLen)
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

// classify maps SQL Server error numbers to storage kinds.
//
//	2627, 2601  unique/primary key violation
//	547         foreign key / check constraint
//	515         cannot insert NULL
//	245, 8114, 8115, 2628, 241, 242, 8152  conversion, overflow, truncation
//	1205        deadlock victim
//	1222        lock request timeout
//	4060, 18456 cannot open database / login failed
func classify(err error) (storage.Kind, bool) {
	var me mssql.Error
	if !errors.As(err, &me) {
		if errors.Is(err, sql.ErrConnDone) {
			return storage.ConnectionLost, true
		}
		return storage.Unknown, false
	}
	switch me.Number {
	case 2627, 2601, 547, 515:
		return storage.ConstraintViolation, true
	case 245, 8114, 8115, 2628, 241, 242, 8152:
		return storage.TypeError, true
	case 1205, 1222:
		return storage.Transient, true
	case 4060, 18456:
		return storage.ConnectionLost, true
	}
	return storage.Unknown, false
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.AllTagslist" -> [dbo].[AllTagslist]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// splitQualifiedName splits "schema.table". Anything other than a single dot
// is treated as an unqualified name, and the caller's default schema applies.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.Trim(strings.TrimSpace(parts[0]), "[]"), strings.Trim(strings.TrimSpace(parts[1]), "[]")
}
