// Package csv reads CSV files as sheets. A single file is one sheet named
// after its base name; a directory yields one sheet per *.csv file, sorted
// by name.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tagsync/internal/record"
	"tagsync/internal/source"
)

// Options controls parsing.
type Options struct {
	// Comma is the field delimiter. Default ','.
	Comma rune
	// LazyQuotes tolerates stray quotes inside fields.
	LazyQuotes bool
	// TrimSpace trims surrounding whitespace from cells.
	TrimSpace bool
}

// Dir is a CSV dataset rooted at a file or directory.
type Dir struct {
	opts   Options
	sheets []string
	files  map[string]string // sheet -> path
}

var _ source.Provider = (*Dir)(nil)

// Open scans path. The files themselves are opened lazily by ReadRows.
func Open(path string, opts Options) (*Dir, error) {
	if opts.Comma == 0 {
		opts.Comma = ','
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}

	d := &Dir{opts: opts, files: map[string]string{}}
	if !st.IsDir() {
		d.add(path)
		return d, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, n := range names {
		d.add(filepath.Join(path, n))
	}
	return d, nil
}

func (d *Dir) add(path string) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if _, dup := d.files[name]; dup {
		return
	}
	d.sheets = append(d.sheets, name)
	d.files[name] = path
}

func (d *Dir) ListSheets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), d.sheets...), nil
}

func (d *Dir) Close() error { return nil }

// ReadRows streams one file. The first record is the header; row indexes
// are the line where each record starts.
func (d *Dir) ReadRows(ctx context.Context, sheet string) iter.Seq2[record.RawRow, error] {
	return func(yield func(record.RawRow, error) bool) {
		fail := func(line int, err error) {
			yield(record.RawRow{Sheet: sheet, Index: line}, &source.SheetError{Sheet: sheet, Row: line, Err: err})
		}
		path, ok := d.files[sheet]
		if !ok {
			fail(0, source.ErrSheetNotFound)
			return
		}
		f, err := os.Open(path)
		if err != nil {
			fail(0, err)
			return
		}
		defer f.Close()

		cr := csv.NewReader(f)
		cr.Comma = d.opts.Comma
		cr.LazyQuotes = d.opts.LazyQuotes
		cr.FieldsPerRecord = -1

		line := 1
		hdr, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fail(line, fmt.Errorf("read header: %w", err))
			return
		}
		headers := make([]string, len(hdr))
		for i, h := range hdr {
			if i == 0 {
				h = strings.TrimPrefix(h, "\uFEFF")
			}
			headers[i] = strings.TrimSpace(h)
		}

		for {
			if err := ctx.Err(); err != nil {
				fail(line, err)
				return
			}
			rec, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				fail(line+1, fmt.Errorf("csv read: %w", err))
				return
			}
			// Quoted fields may span lines; report where the record starts.
			line, _ = cr.FieldPos(0)

			cells := make([]record.Cell, len(rec))
			for i, v := range rec {
				if d.opts.TrimSpace {
					v = strings.TrimSpace(v)
				}
				cells[i] = record.Cell{Text: v}
			}
			row := record.RawRow{Sheet: sheet, Index: line, Headers: headers, Cells: cells}
			if row.IsEmpty() {
				continue
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}
