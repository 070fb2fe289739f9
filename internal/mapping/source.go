package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Source supplies the raw configuration tables.
type Source interface {
	LoadMapping(ctx context.Context) (Tables, error)
}

// Table is one raw configuration sheet.
type Table struct {
	Header []string
	Rows   [][]string
}

// Tables maps sheet name to its raw content. Tables is itself a Source,
// which is how tests and in-memory callers feed Resolve.
type Tables map[string]Table

func (t Tables) LoadMapping(context.Context) (Tables, error) { return t, nil }

// columns extracts the named columns of a sheet. Sheet and column names
// match case-insensitively after trimming.
func (t Tables) columns(sheet string, names ...string) ([][]string, error) {
	tbl, ok := t.lookup(sheet)
	if !ok {
		return nil, &ConfigError{Kind: MissingSheet, Sheet: sheet, Detail: "sheet not found"}
	}
	idx := make([]int, len(names))
	for i, name := range names {
		idx[i] = -1
		for j, h := range tbl.Header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			return nil, &ConfigError{Kind: MissingSheet, Sheet: sheet, Column: name, Detail: "column not found"}
		}
	}

	out := make([][]string, 0, len(tbl.Rows))
	for _, row := range tbl.Rows {
		vals := make([]string, len(idx))
		for i, j := range idx {
			if j < len(row) {
				vals[i] = strings.TrimSpace(row[j])
			}
		}
		out = append(out, vals)
	}
	return out, nil
}

func (t Tables) lookup(sheet string) (Table, bool) {
	if tbl, ok := t[sheet]; ok {
		return tbl, true
	}
	for name, tbl := range t {
		if strings.EqualFold(strings.TrimSpace(name), sheet) {
			return tbl, true
		}
	}
	return Table{}, false
}

// Document is the YAML/TOML/JSON form of a mapping.
//
//	column_mapping:
//	  - excel_header: Tag No.
//	    sql_column: Tag Number
//	allowed_sheets: [Equipment, Valves]
//	ignored_headers: [Remarks]
//
// Nil slices mean the section is absent, which Resolve reports as a missing
// sheet. An empty list is a present but empty section.
type Document struct {
	ColumnMapping  *[]Pair   `yaml:"column_mapping" toml:"column_mapping" json:"column_mapping"`
	AllowedSheets  *[]string `yaml:"allowed_sheets" toml:"allowed_sheets" json:"allowed_sheets"`
	IgnoredHeaders *[]string `yaml:"ignored_headers" toml:"ignored_headers" json:"ignored_headers"`
}

// Pair is one header-to-column mapping row.
type Pair struct {
	ExcelHeader string `yaml:"excel_header" toml:"excel_header" json:"excel_header"`
	SQLColumn   string `yaml:"sql_column" toml:"sql_column" json:"sql_column"`
}

// Tables converts the document into the tabular form Resolve consumes.
func (d Document) Tables() Tables {
	out := Tables{}
	if d.ColumnMapping != nil {
		tbl := Table{Header: []string{ColExcelHeader, ColSQLColumn}}
		for _, p := range *d.ColumnMapping {
			tbl.Rows = append(tbl.Rows, []string{p.ExcelHeader, p.SQLColumn})
		}
		out[SheetColumnMapping] = tbl
	}
	if d.AllowedSheets != nil {
		out[SheetAllowedSheets] = singleColumn(ColSheetName, *d.AllowedSheets)
	}
	if d.IgnoredHeaders != nil {
		out[SheetIgnoredHeaders] = singleColumn(ColHeaderName, *d.IgnoredHeaders)
	}
	return out
}

func singleColumn(name string, vals []string) Table {
	tbl := Table{Header: []string{name}}
	for _, v := range vals {
		tbl.Rows = append(tbl.Rows, []string{v})
	}
	return tbl
}

// FileSource reads a mapping document from disk. The format is chosen by
// extension: .yaml/.yml, .toml or .json.
type FileSource struct {
	Path string
}

func (s FileSource) LoadMapping(ctx context.Context) (Tables, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read %s: %w", s.Path, err)
	}

	var doc Document
	switch ext := strings.ToLower(filepath.Ext(s.Path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &doc)
	case ".toml":
		err = toml.Unmarshal(b, &doc)
	case ".json":
		err = json.Unmarshal(b, &doc)
	default:
		return nil, fmt.Errorf("mapping: unsupported document extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("mapping: decode %s: %w", s.Path, err)
	}
	return doc.Tables(), nil
}

// IsDocument reports whether path has an extension FileSource can read.
func IsDocument(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml", ".json":
		return true
	}
	return false
}
