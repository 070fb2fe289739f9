package report

import (
	"fmt"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"tagsync/internal/run"
)

// ErrorSheet is the sheet written by WriteErrorWorkbook.
const ErrorSheet = "Errors"

var errorColumns = []string{"Sheet Name", "Row", "Tag Number", "Column", "Invalid Value", "Error Reason", "Code"}

const maxColWidth = 80

// WriteErrorWorkbook writes every row failure of r to an xlsx file at path,
// one failure per row, in report order.
func WriteErrorWorkbook(path string, r *run.Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ErrorSheet); err != nil {
		return fmt.Errorf("report: workbook: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"D9D9D9"}},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("report: workbook style: %w", err)
	}

	widths := make([]int, len(errorColumns))
	write := func(row int, vals []any) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(ErrorSheet, cell, &vals); err != nil {
			return err
		}
		for i, v := range vals {
			widths[i] = max(widths[i], utf8.RuneCountInString(fmt.Sprint(v)))
		}
		return nil
	}

	hdr := make([]any, len(errorColumns))
	for i, c := range errorColumns {
		hdr[i] = c
	}
	if err := write(1, hdr); err != nil {
		return fmt.Errorf("report: workbook: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(errorColumns), 1)
	if err := f.SetCellStyle(ErrorSheet, "A1", last, header); err != nil {
		return fmt.Errorf("report: workbook style: %w", err)
	}

	for i, fl := range r.Failures {
		vals := []any{fl.Sheet, fl.Row, fl.Tag, fl.Column, fl.Value, fl.Reason, fl.Code}
		if err := write(i+2, vals); err != nil {
			return fmt.Errorf("report: workbook row %d: %w", i+2, err)
		}
	}

	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(ErrorSheet, col, col, float64(min(w+2, maxColWidth))); err != nil {
			return fmt.Errorf("report: workbook width: %w", err)
		}
	}
	if err := f.AutoFilter(ErrorSheet, "A1:"+last, nil); err != nil {
		return fmt.Errorf("report: workbook filter: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("report: save %s: %w", path, err)
	}
	return nil
}
