package storage

import (
	"strings"

	"tagsync/internal/record"
)

// ColumnType is the declared type class of a target column, as far as the
// importer cares.
type ColumnType uint8

const (
	TypeUnknown ColumnType = iota
	TypeNumeric
	TypeDate
	TypeText
)

func (t ColumnType) String() string {
	switch t {
	case TypeNumeric:
		return "numeric"
	case TypeDate:
		return "date"
	case TypeText:
		return "text"
	default:
		return "unknown"
	}
}

// Column describes one target column.
type Column struct {
	Name     string
	DataType string // as reported by the database, lowercased
	Type     ColumnType

	Nullable   bool
	HasDefault bool
	Identity   bool

	// MaxLength is the declared character length. Zero means unbounded or
	// not applicable.
	MaxLength int
}

// Required reports whether an insert must supply the column.
func (c Column) Required() bool {
	return !c.Nullable && !c.HasDefault && !c.Identity
}

// Schema is the described target table.
type Schema struct {
	Table     string
	TagColumn string
	Columns   []Column
}

// Column looks a column up by name. SQL identifiers compare
// case-insensitively.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// Has reports whether the table has column name.
func (s Schema) Has(name string) bool {
	_, ok := s.Column(name)
	return ok
}

// Names returns the column names in table order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// ValueOf converts a scanned driver value for column col into a typed value.
//
// Drivers disagree on shapes: SQL Server returns decimals as []byte, SQLite
// hands dates back as text. The declared type decides the final kind.
func (s Schema) ValueOf(col string, v any) record.Value {
	val := record.FromAny(v)
	c, ok := s.Column(col)
	if !ok || val.Kind() != record.KindString {
		return val
	}
	switch c.Type {
	case TypeNumeric:
		if f, ok := record.ParseNumber(val.String()); ok {
			return record.Num(f)
		}
	case TypeDate:
		if t, ok := record.ParseDate(val.String()); ok {
			return record.Date(t)
		}
	}
	return val
}

// Classify numeric and date type names shared by the SQL backends.
var (
	numericTypes = map[string]bool{
		"decimal": true, "numeric": true, "float": true, "real": true, "double": true,
		"double precision": true, "int": true, "integer": true, "bigint": true,
		"smallint": true, "tinyint": true, "money": true, "smallmoney": true, "bit": true,
	}
	dateTypes = map[string]bool{
		"date": true, "datetime": true, "datetime2": true, "smalldatetime": true,
		"datetimeoffset": true, "timestamp": true, "timestamp without time zone": true,
		"timestamp with time zone": true, "timestamptz": true,
	}
)

// TypeOf maps a database type name to a ColumnType. Parameterized names
// ("decimal(10,2)", "varchar(50)") are matched on their base name.
func TypeOf(dataType string) ColumnType {
	t := strings.ToLower(strings.TrimSpace(dataType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch {
	case t == "":
		return TypeUnknown
	case numericTypes[t]:
		return TypeNumeric
	case dateTypes[t]:
		return TypeDate
	case strings.Contains(t, "char"), strings.Contains(t, "text"), t == "uniqueidentifier", t == "xml":
		return TypeText
	}
	return TypeUnknown
}
