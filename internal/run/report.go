package run

import (
	"fmt"
	"time"

	"tagsync/internal/executor"
	"tagsync/internal/storage"
)

// SheetStatus is the terminal status of one sheet.
type SheetStatus uint8

const (
	Processed SheetStatus = iota + 1
	Skipped
	SheetAborted
	Failed
)

func (s SheetStatus) String() string {
	switch s {
	case Processed:
		return "Processed"
	case Skipped:
		return "Skipped"
	case SheetAborted:
		return "Aborted"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("SheetStatus(%d)", uint8(s))
	}
}

func (s SheetStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Skip and abort reasons.
const (
	ReasonNotAllowed       = "not allowed"
	ReasonTagColumnMissing = "tag column missing"
	ReasonAborted          = "aborted"
	ReasonCancelled        = "cancelled"
)

// Counts are per-sheet row tallies. Inserted and Updated count rows that were
// committed (Apply) or would be (DryRun).
type Counts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Invalid   int `json:"invalid"`
	Failed    int `json:"failed"`
}

func (c *Counts) add(o executor.Outcome) {
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Failed += o.Failed
}

// SheetReport is the result of one sheet.
type SheetReport struct {
	Name    string      `json:"name"`
	Status  SheetStatus `json:"status"`
	Reason  string      `json:"reason,omitempty"`
	Counts  Counts      `json:"counts"`
	Batches int         `json:"batches"`
	Applied bool        `json:"applied"`

	// Detected counts inserts and updates the diff found, whether or not
	// they were applied.
	Detected int `json:"detected"`

	// Fingerprint hashes the sheet's decision stream; equal across modes
	// for the same input and table state.
	Fingerprint string   `json:"fingerprint,omitempty"`
	Notes       []string `json:"notes,omitempty"`
}

// RowFailure is one rejected or failed row.
type RowFailure struct {
	Sheet  string       `json:"sheet"`
	Row    int          `json:"row"`
	Tag    string       `json:"tag"`
	Kind   storage.Kind `json:"kind"`
	Code   string       `json:"code"`
	Column string       `json:"column,omitempty"`
	Value  string       `json:"value,omitempty"`
	Reason string       `json:"reason"`
}

// Report is the sole result of a run. It is not modified after Run returns.
type Report struct {
	RunID       string        `json:"run_id"`
	Mode        executor.Mode `json:"mode"`
	State       State         `json:"state"`
	AbortReason string        `json:"abort_reason,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`

	Sheets   []SheetReport `json:"sheets"`
	Failures []RowFailure  `json:"failures"`
}

// Detected counts inserts and updates found across sheets.
func (r *Report) Detected() int {
	n := 0
	for _, s := range r.Sheets {
		n += s.Detected
	}
	return n
}

// Committed counts inserts and updates written to the store. It is zero for
// dry runs.
func (r *Report) Committed() int {
	if r.Mode != executor.Apply {
		return 0
	}
	n := 0
	for _, s := range r.Sheets {
		n += s.Counts.Inserted + s.Counts.Updated
	}
	return n
}

// Totals sums counts across sheets.
func (r *Report) Totals() Counts {
	var c Counts
	for _, s := range r.Sheets {
		c.Inserted += s.Counts.Inserted
		c.Updated += s.Counts.Updated
		c.Unchanged += s.Counts.Unchanged
		c.Invalid += s.Counts.Invalid
		c.Failed += s.Counts.Failed
	}
	return c
}

// HasFailures reports whether any row was rejected or failed.
func (r *Report) HasFailures() bool { return len(r.Failures) > 0 }

// Sheet returns the named sheet's report.
func (r *Report) Sheet(name string) (SheetReport, bool) {
	for _, s := range r.Sheets {
		if s.Name == name {
			return s, true
		}
	}
	return SheetReport{}, false
}

func (r *Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }
