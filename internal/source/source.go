// Package source defines the spreadsheet dataset a run reads from.
//
// Implementations live in subpackages: xlsx (excelize workbooks) and csv
// (a file or a directory of files, one sheet each).
package source

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"tagsync/internal/record"
)

// Provider yields sheets and their rows in source order.
//
// ReadRows streams one sheet. Row indexes are the spreadsheet's own row
// numbers (header = 1). Fully blank rows are skipped. A non-nil error ends
// the sequence.
type Provider interface {
	ListSheets(ctx context.Context) ([]string, error)
	ReadRows(ctx context.Context, sheet string) iter.Seq2[record.RawRow, error]
	Close() error
}

// ErrSheetNotFound is yielded by ReadRows for an unknown sheet.
var ErrSheetNotFound = errors.New("source: sheet not found")

// SheetError wraps a read failure with its position.
type SheetError struct {
	Sheet string
	Row   int
	Err   error
}

func (e *SheetError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("source: sheet %q row %d: %v", e.Sheet, e.Row, e.Err)
	}
	return fmt.Sprintf("source: sheet %q: %v", e.Sheet, e.Err)
}

func (e *SheetError) Unwrap() error { return e.Err }

// Collect drains a sheet into memory. It is meant for tests and small
// sheets such as mapping tables.
func Collect(seq iter.Seq2[record.RawRow, error]) ([]record.RawRow, error) {
	var out []record.RawRow
	for row, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}
