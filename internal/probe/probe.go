// Package probe samples a workbook against a resolved mapping without touching
// the target table. It reports, per sheet, how headers resolve, how many rows
// would normalize, and how unique each mapped column is, which surfaces
// duplicate tags before an import runs.
package probe

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"tagsync/internal/mapping"
	"tagsync/internal/normalize"
	"tagsync/internal/source"
	"tagsync/internal/storage"
)

// Options controls sampling.
type Options struct {
	// SampleRows caps the rows read per sheet. Zero reads every row.
	SampleRows int
}

// distinctCapPerColumn bounds distinct tracking so high-cardinality columns
// cannot grow memory without limit.
const distinctCapPerColumn = 10000

// Uniqueness holds bounded per-column statistics for one sheet.
//
// PerColumnTotal counts rows where the column had a non-blank value and is the
// denominator for ratios. TotalRows is informational.
type Uniqueness struct {
	TotalRows         int
	PerColumnTotal    map[string]int
	PerColumnDistinct map[string]int
	PerColumnCapped   map[string]bool
	ColumnOrder       []string
}

// Ratio returns distinct/total for col, or 0 when col has no values.
func (u Uniqueness) Ratio(col string) float64 {
	den := u.PerColumnTotal[col]
	if den <= 0 {
		return 0
	}
	return float64(u.PerColumnDistinct[col]) / float64(den)
}

// Sheet is the probe result for one sheet.
type Sheet struct {
	Name    string
	Allowed bool
	Headers normalize.HeaderReport

	Rows    int
	Valid   int
	Invalid map[string]int // reason -> rows

	// DuplicateTags counts rows whose tag repeats an earlier row's tag.
	DuplicateTags int

	Stats Uniqueness
	Err   error
}

// Result is the probe output, sheets in source order.
type Result struct {
	TagColumn string
	Sheets    []Sheet
}

// Run probes every sheet of src. Only a failure to list sheets or a done ctx
// is returned as an error; per-sheet read failures are kept on the sheet.
func Run(ctx context.Context, src source.Provider, cfg *mapping.Config, norm *normalize.Normalizer, opt Options) (Result, error) {
	names, err := src.ListSheets(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("probe: list sheets: %w", err)
	}

	res := Result{TagColumn: norm.TagColumn(), Sheets: make([]Sheet, 0, len(names))}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sh := Sheet{Name: name, Allowed: cfg.Allowed(name)}
		if sh.Allowed {
			probeSheet(ctx, src, norm, opt, &sh)
		}
		res.Sheets = append(res.Sheets, sh)
	}
	return res, ctx.Err()
}

func probeSheet(ctx context.Context, src source.Provider, norm *normalize.Normalizer, opt Options, sh *Sheet) {
	sh.Invalid = map[string]int{}

	var (
		sets    map[string]map[string]struct{}
		columns []string // target column per header position, "" when unmapped
	)
	tags := map[string]struct{}{}
	sh.Stats = Uniqueness{
		PerColumnTotal:    map[string]int{},
		PerColumnDistinct: map[string]int{},
		PerColumnCapped:   map[string]bool{},
	}

	for raw, err := range src.ReadRows(ctx, sh.Name) {
		if err != nil {
			sh.Err = err
			break
		}
		if columns == nil {
			sh.Headers = norm.Headers(raw.Headers)
			columns = mappedColumns(norm, raw.Headers)
			sets = make(map[string]map[string]struct{}, len(sh.Headers.Mapped))
			for _, c := range columns {
				if c != "" && !slices.Contains(sh.Stats.ColumnOrder, c) {
					sh.Stats.ColumnOrder = append(sh.Stats.ColumnOrder, c)
					sets[c] = map[string]struct{}{}
				}
			}
		}

		sh.Rows++
		sh.Stats.TotalRows++
		for i, col := range columns {
			if col == "" {
				continue
			}
			v := strings.TrimSpace(raw.Cell(i).Text)
			if v == "" {
				continue
			}
			sh.Stats.PerColumnTotal[col]++
			if sh.Stats.PerColumnCapped[col] {
				continue
			}
			sets[col][v] = struct{}{}
			if len(sets[col]) >= distinctCapPerColumn {
				sh.Stats.PerColumnCapped[col] = true
				sets[col] = nil
			}
		}

		rec, inv := norm.Normalize(raw)
		if inv != nil {
			sh.Invalid[inv.Reason]++
		} else {
			sh.Valid++
			key := storage.NormalizeKey(rec.Tag)
			if _, dup := tags[key]; dup {
				sh.DuplicateTags++
			}
			tags[key] = struct{}{}
		}

		if opt.SampleRows > 0 && sh.Rows >= opt.SampleRows {
			break
		}
	}

	for _, col := range sh.Stats.ColumnOrder {
		if sh.Stats.PerColumnCapped[col] {
			sh.Stats.PerColumnDistinct[col] = distinctCapPerColumn
			continue
		}
		sh.Stats.PerColumnDistinct[col] = len(sets[col])
	}
}

// mappedColumns returns the target column for each header position, with ""
// for headers that do not feed a column.
func mappedColumns(norm *normalize.Normalizer, headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		hr := norm.Headers([]string{h})
		if len(hr.Mapped) == 1 {
			out[i] = hr.Mapped[0]
		}
	}
	return out
}

// Format writes a human-readable report of res.
func Format(w io.Writer, res Result) error {
	var b strings.Builder
	for i, sh := range res.Sheets {
		if i > 0 {
			b.WriteByte('\n')
		}
		formatSheet(&b, res.TagColumn, sh)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func formatSheet(b *strings.Builder, tagColumn string, sh Sheet) {
	if !sh.Allowed {
		fmt.Fprintf(b, "sheet %q: not allowed\n", sh.Name)
		return
	}
	fmt.Fprintf(b, "sheet %q: rows=%d valid=%d duplicate_tags=%d\n", sh.Name, sh.Rows, sh.Valid, sh.DuplicateTags)
	if sh.Err != nil {
		fmt.Fprintf(b, "  read error: %v\n", sh.Err)
	}
	if sh.Rows == 0 && sh.Err == nil {
		b.WriteString("  no data rows\n")
		return
	}
	if !sh.Headers.HasTag {
		fmt.Fprintf(b, "  tag column %q not mapped by any header\n", tagColumn)
	} else {
		fmt.Fprintf(b, "  tag header: %s\n", sh.Headers.TagHeader)
	}
	writeList(b, "mapped", sh.Headers.Mapped)
	writeList(b, "ignored", sh.Headers.Ignored)
	writeList(b, "unmapped", sh.Headers.Unmapped)
	writeList(b, "no table column", sh.Headers.NoColumn)

	reasons := make([]string, 0, len(sh.Invalid))
	for r := range sh.Invalid {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(b, "  invalid %s: %d\n", r, sh.Invalid[r])
	}

	formatUniqueness(b, sh.Stats)
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "  %s: %s\n", label, strings.Join(items, ", "))
}

func formatUniqueness(b *strings.Builder, stats Uniqueness) {
	type row struct {
		col    string
		dist   int
		den    int
		ratio  float64
		capped bool
	}

	rows := make([]row, 0, len(stats.ColumnOrder))
	for _, col := range stats.ColumnOrder {
		den := stats.PerColumnTotal[col]
		if den <= 0 {
			continue
		}
		rows = append(rows, row{
			col:    col,
			dist:   stats.PerColumnDistinct[col],
			den:    den,
			ratio:  stats.Ratio(col),
			capped: stats.PerColumnCapped[col],
		})
	}
	if len(rows) == 0 {
		return
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ratio == rows[j].ratio {
			return rows[i].col < rows[j].col
		}
		return rows[i].ratio < rows[j].ratio
	})

	fmt.Fprintf(b, "  %-20s\t%-7s\t%-7s\tratio\tcapped\n", "column", "unique", "rows")
	for _, r := range rows {
		fmt.Fprintf(b, "  %-20s\t%-7d\t%-7d\t%.1f%%\t%t\n", r.col, r.dist, r.den, r.ratio*100, r.capped)
	}
}
