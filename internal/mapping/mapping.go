// Package mapping resolves the import configuration: which spreadsheet
// header feeds which target column, which sheets may be imported, and which
// headers are ignored.
package mapping

import (
	"context"
	"fmt"
	"strings"
)

// Configuration sheet and column names. These are the names used by the
// configuration workbook shipped alongside input files.
const (
	SheetColumnMapping  = "Column_Mapping"
	SheetAllowedSheets  = "Allowed_Sheets"
	SheetIgnoredHeaders = "Ignored_Headers"

	ColExcelHeader = "Excel_Header"
	ColSQLColumn   = "SQL_Column"
	ColSheetName   = "Sheet_Name"
	ColHeaderName  = "Header_Name"
)

// Options controls resolution.
type Options struct {
	// TagColumn, when set, must be the target of some mapped header.
	TagColumn string

	// FoldCase makes header matching case-insensitive.
	FoldCase bool
}

// Config is a validated, immutable mapping.
type Config struct {
	fold bool

	headerToColumn map[string]string // key(header) -> column
	columnToHeader map[string]string // column -> header as configured
	headers        []string          // configured order
	columns        []string          // configured order

	allowed      map[string]struct{}
	allowedOrder []string
	ignored      map[string]struct{}
}

// Resolve loads the configuration tables from src and validates them.
//
// Errors:
//   - *ConfigError with Kind MissingSheet when a required sheet or column is absent.
//   - DuplicateMapping when a header repeats or two headers share a column.
//   - ConflictingIgnore when a header is both mapped and ignored.
//   - EmptyMapping when no mapping rows survive cleanup.
//   - MissingTagMapping when opts.TagColumn is set and nothing maps to it.
func Resolve(ctx context.Context, src Source, opts Options) (*Config, error) {
	if src == nil {
		return nil, &ConfigError{Kind: Unreadable, Detail: "no configuration source"}
	}
	tables, err := src.LoadMapping(ctx)
	if err != nil {
		return nil, &ConfigError{Kind: Unreadable, Err: err}
	}

	cfg := &Config{
		fold:           opts.FoldCase,
		headerToColumn: map[string]string{},
		columnToHeader: map[string]string{},
		allowed:        map[string]struct{}{},
		ignored:        map[string]struct{}{},
	}

	pairs, err := tables.columns(SheetColumnMapping, ColExcelHeader, ColSQLColumn)
	if err != nil {
		return nil, err
	}
	byColumn := map[string]string{} // lower(column) -> header
	for _, p := range pairs {
		header, column := CleanHeader(p[0]), strings.TrimSpace(p[1])
		if header == "" || column == "" {
			continue
		}
		k := cfg.key(header)
		if _, dup := cfg.headerToColumn[k]; dup {
			return nil, &ConfigError{Kind: DuplicateMapping, Sheet: SheetColumnMapping, Header: header,
				Detail: "header appears more than once"}
		}
		lc := strings.ToLower(column)
		if other, dup := byColumn[lc]; dup {
			return nil, &ConfigError{Kind: DuplicateMapping, Sheet: SheetColumnMapping, Header: header, Column: column,
				Detail: fmt.Sprintf("column already mapped from header %q", other)}
		}
		byColumn[lc] = header
		cfg.headerToColumn[k] = column
		cfg.columnToHeader[column] = header
		cfg.headers = append(cfg.headers, header)
		cfg.columns = append(cfg.columns, column)
	}
	if len(cfg.headerToColumn) == 0 {
		return nil, &ConfigError{Kind: EmptyMapping, Sheet: SheetColumnMapping, Detail: "no header/column pairs"}
	}

	sheets, err := tables.columns(SheetAllowedSheets, ColSheetName)
	if err != nil {
		return nil, err
	}
	for _, s := range sheets {
		name := strings.TrimSpace(s[0])
		if name == "" {
			continue
		}
		if _, seen := cfg.allowed[name]; seen {
			continue
		}
		cfg.allowed[name] = struct{}{}
		cfg.allowedOrder = append(cfg.allowedOrder, name)
	}

	ignored, err := tables.columns(SheetIgnoredHeaders, ColHeaderName)
	if err != nil {
		return nil, err
	}
	for _, h := range ignored {
		header := CleanHeader(h[0])
		if header == "" {
			continue
		}
		k := cfg.key(header)
		if col, mapped := cfg.headerToColumn[k]; mapped {
			return nil, &ConfigError{Kind: ConflictingIgnore, Sheet: SheetIgnoredHeaders, Header: header, Column: col,
				Detail: "header is both mapped and ignored"}
		}
		cfg.ignored[k] = struct{}{}
	}

	if opts.TagColumn != "" {
		if _, ok := cfg.HeaderFor(opts.TagColumn); !ok {
			return nil, &ConfigError{Kind: MissingTagMapping, Sheet: SheetColumnMapping, Column: opts.TagColumn,
				Detail: "no header maps to the tag column"}
		}
	}

	return cfg, nil
}

func (c *Config) key(header string) string {
	h := CleanHeader(header)
	if c.fold {
		return foldCase(h)
	}
	return h
}

// Column returns the target column for a source header.
func (c *Config) Column(header string) (string, bool) {
	col, ok := c.headerToColumn[c.key(header)]
	return col, ok
}

// HeaderFor returns the configured header that feeds column. Column names
// compare case-insensitively, matching SQL identifier semantics.
func (c *Config) HeaderFor(column string) (string, bool) {
	if h, ok := c.columnToHeader[column]; ok {
		return h, true
	}
	for col, h := range c.columnToHeader {
		if strings.EqualFold(col, column) {
			return h, true
		}
	}
	return "", false
}

// Ignored reports whether header is on the ignore list.
func (c *Config) Ignored(header string) bool {
	_, ok := c.ignored[c.key(header)]
	return ok
}

// Allowed reports whether sheet may be imported.
func (c *Config) Allowed(sheet string) bool {
	_, ok := c.allowed[strings.TrimSpace(sheet)]
	return ok
}

// AllowedSheets returns the allowed sheet names in configured order.
func (c *Config) AllowedSheets() []string { return append([]string(nil), c.allowedOrder...) }

// Columns returns mapped target columns in configured order.
func (c *Config) Columns() []string { return append([]string(nil), c.columns...) }

// Headers returns mapped source headers in configured order.
func (c *Config) Headers() []string { return append([]string(nil), c.headers...) }

// Len returns the number of mapped headers.
func (c *Config) Len() int { return len(c.headerToColumn) }
