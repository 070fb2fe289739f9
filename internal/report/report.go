// Package report renders a run.Report for people and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"tagsync/internal/run"
)

const nameWidth = 25

// Summary prints the per-sheet status table followed by run totals.
func Summary(w io.Writer, r *run.Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s) %s in %s\n", r.RunID, r.Mode, r.State, r.Duration().Truncate(time.Millisecond))
	fmt.Fprintf(&b, "%-25s | %-15s | %-10s\n", "Sheet", "Status", "Rows")
	b.WriteString(strings.Repeat("-", 56))
	b.WriteByte('\n')

	for _, s := range r.Sheets {
		status := s.Status.String()
		if s.Reason != "" && s.Status != run.Processed {
			status += " (" + s.Reason + ")"
		}
		rows := ""
		if s.Status != run.Skipped {
			c := s.Counts
			rows = fmt.Sprintf("%d", c.Inserted+c.Updated+c.Unchanged+c.Invalid+c.Failed)
		}
		fmt.Fprintf(&b, "%-25s | %-15s | %-10s\n", truncate(s.Name), status, rows)
		for _, n := range s.Notes {
			fmt.Fprintf(&b, "%-25s |   note: %s\n", "", n)
		}
	}

	t := r.Totals()
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Detected:  %d (inserted %d, updated %d)\n", r.Detected(), t.Inserted, t.Updated)
	fmt.Fprintf(&b, "Committed: %d\n", r.Committed())
	fmt.Fprintf(&b, "Unchanged: %d, invalid: %d, failed: %d\n", t.Unchanged, t.Invalid, t.Failed)
	fmt.Fprintf(&b, "Failures:  %d\n", len(r.Failures))
	if r.AbortReason != "" {
		fmt.Fprintf(&b, "Aborted:   %s\n", r.AbortReason)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// truncate fits a sheet name into the table's first column.
func truncate(name string) string {
	rs := []rune(name)
	if len(rs) <= nameWidth {
		return name
	}
	return string(rs[:nameWidth-3]) + ".."
}

// JSON writes r as indented JSON.
func JSON(w io.Writer, r *run.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("report: json: %w", err)
	}
	return nil
}

// ErrorReportPath returns <dir>/<base>_ImportErrors_<YYYYmmdd_HHMMSS>.xlsx
// next to input. A directory input keeps the directory name as base.
func ErrorReportPath(input string, now time.Time) string {
	input = filepath.Clean(input)
	dir, base := filepath.Dir(input), filepath.Base(input)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, base+"_ImportErrors_"+now.Format("20060102_150405")+".xlsx")
}
