// Package xlsx reads workbooks with excelize.
//
// Sheets are streamed with excelize's row iterator using raw cell values, so
// numbers keep full precision and date cells arrive as serials that the
// normalizer converts by column type.
package xlsx

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/xuri/excelize/v2"

	"tagsync/internal/mapping"
	"tagsync/internal/record"
	"tagsync/internal/source"
)

// Workbook is an open xlsx/xlsm file. It implements source.Provider and
// mapping.Source.
type Workbook struct {
	path string
	f    *excelize.File
}

var (
	_ source.Provider = (*Workbook)(nil)
	_ mapping.Source  = (*Workbook)(nil)
)

// Open opens the workbook at path.
func Open(path string) (*Workbook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("xlsx: open %s: %w", path, err)
	}
	return &Workbook{path: path, f: f}, nil
}

func (w *Workbook) Path() string { return w.path }

func (w *Workbook) Close() error { return w.f.Close() }

// ListSheets returns sheet names in workbook order.
func (w *Workbook) ListSheets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.f.GetSheetList(), nil
}

func (w *Workbook) has(sheet string) bool {
	idx, err := w.f.GetSheetIndex(sheet)
	return err == nil && idx >= 0
}

// ReadRows streams sheet. Row 1 is the header; data rows keep their
// spreadsheet row number and fully blank rows are skipped.
func (w *Workbook) ReadRows(ctx context.Context, sheet string) iter.Seq2[record.RawRow, error] {
	return func(yield func(record.RawRow, error) bool) {
		fail := func(row int, err error) {
			yield(record.RawRow{Sheet: sheet, Index: row}, &source.SheetError{Sheet: sheet, Row: row, Err: err})
		}
		if !w.has(sheet) {
			fail(0, source.ErrSheetNotFound)
			return
		}

		rows, err := w.f.Rows(sheet)
		if err != nil {
			fail(0, err)
			return
		}
		defer rows.Close()

		var headers []string
		n := 0
		for rows.Next() {
			n++
			if err := ctx.Err(); err != nil {
				fail(n, err)
				return
			}
			cols, err := rows.Columns(excelize.Options{RawCellValue: true})
			if err != nil {
				fail(n, err)
				return
			}
			if headers == nil {
				if len(cols) == 0 {
					// Leading blank rows above the header are not data.
					continue
				}
				headers = append([]string(nil), cols...)
				continue
			}

			raw := record.RawRow{Sheet: sheet, Index: n, Headers: headers, Cells: w.cells(sheet, n, cols)}
			if raw.IsEmpty() {
				continue
			}
			if !yield(raw, nil) {
				return
			}
		}
		if err := rows.Error(); err != nil {
			fail(n, err)
		}
	}
}

// cells converts one row. Native cell types become hints; only values that
// parse as numbers need a type lookup to tell numbers from numeric text.
// Raw reads return booleans as "1" and "0", so they take the same path.
func (w *Workbook) cells(sheet string, row int, cols []string) []record.Cell {
	out := make([]record.Cell, len(cols))
	for i, v := range cols {
		c := record.Cell{Text: v}
		if strings.TrimSpace(v) == "" {
			out[i] = c
			continue
		}
		if _, ok := record.ParseNumber(v); ok {
			ref, err := excelize.CoordinatesToCellName(i+1, row)
			if err == nil {
				if ct, err := w.f.GetCellType(sheet, ref); err == nil {
					c = withHint(c, ct)
				}
			}
		}
		out[i] = c
	}
	return out
}

func withHint(c record.Cell, ct excelize.CellType) record.Cell {
	switch ct {
	case excelize.CellTypeNumber, excelize.CellTypeUnset:
		// Unset covers numbers written without an explicit t attribute.
		if _, ok := record.ParseNumber(c.Text); ok {
			c.Hint = record.HintNumber
		}
	case excelize.CellTypeDate:
		c.Hint = record.HintDate
	case excelize.CellTypeBool:
		c.Hint = record.HintBool
		switch c.Text {
		case "1":
			c.Text = "TRUE"
		case "0":
			c.Text = "FALSE"
		}
	case excelize.CellTypeFormula:
		c.Hint = record.HintFormula
	}
	return c
}

// LoadMapping reads the configuration sheets (Column_Mapping,
// Allowed_Sheets, Ignored_Headers). Missing sheets are left out so the
// resolver can report them.
func (w *Workbook) LoadMapping(ctx context.Context) (mapping.Tables, error) {
	out := mapping.Tables{}
	for _, want := range []string{mapping.SheetColumnMapping, mapping.SheetAllowedSheets, mapping.SheetIgnoredHeaders} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, ok := w.findSheet(want)
		if !ok {
			continue
		}
		rows, err := w.f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("xlsx: read %s: %w", name, err)
		}
		if len(rows) == 0 {
			out[want] = mapping.Table{}
			continue
		}
		out[want] = mapping.Table{Header: rows[0], Rows: rows[1:]}
	}
	return out, nil
}

func (w *Workbook) findSheet(name string) (string, bool) {
	for _, s := range w.f.GetSheetList() {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return s, true
		}
	}
	return "", false
}
