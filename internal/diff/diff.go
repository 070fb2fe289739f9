// Package diff decides, per normalized record, whether the target table needs
// an insert, an update, or nothing at all.
package diff

import (
	"fmt"
	"strings"

	"tagsync/internal/record"
)

// Kind is the outcome of comparing a source record with the target row.
type Kind uint8

const (
	Insert Kind = iota + 1
	Update
	NoOp
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "Insert"
	case Update:
		return "Update"
	case NoOp:
		return "NoOp"
	case Invalid:
		return "Invalid"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Reasons for Invalid decisions produced here. Normalization reasons come
// from package normalize.
const (
	ReasonDuplicateTag = "duplicate tag"
	ReasonUnknownTag   = "unknown tag"
)

// NoteNoColumns marks a NoOp for an existing tag that shares no comparable
// column with the source record.
const NoteNoColumns = "no mapped columns to compare"

// Delta is one changed column.
type Delta struct {
	Column string
	Old    record.Value
	New    record.Value
}

// Decision is the per-row verdict handed to the batcher.
type Decision struct {
	Kind  Kind
	Sheet string
	Row   int
	Tag   string

	// Record is the source record (Insert, Update and NoOp).
	Record record.Record

	// Deltas lists changed columns in source column order (Update only).
	Deltas []Delta

	// Reason, Column and RawValue explain an Invalid decision.
	Reason   string
	Column   string
	RawValue string

	Note string
}

// IsWrite reports whether the decision produces a statement.
func (d Decision) IsWrite() bool { return d.Kind == Insert || d.Kind == Update }

// Set returns the update assignments for an Update decision.
func (d Decision) Set() []record.Field {
	out := make([]record.Field, len(d.Deltas))
	for i, dl := range d.Deltas {
		out[i] = record.Field{Column: dl.Column, Value: dl.New}
	}
	return out
}

// Options controls comparison.
type Options struct {
	// UpdateOnly turns records without an existing row into Invalid
	// ("unknown tag") instead of Insert.
	UpdateOnly bool

	// Tolerance is the absolute float threshold. Zero uses
	// record.DefaultTolerance; a negative value demands exact equality.
	Tolerance float64

	// TagColumn is never reported as a delta.
	TagColumn string
}

func (o Options) tolerance() float64 {
	switch {
	case o.Tolerance == 0:
		return record.DefaultTolerance
	case o.Tolerance < 0:
		return 0
	}
	return o.Tolerance
}

// Diff compares rec with the existing row, if any.
//
// Rules:
//   - No existing row: Insert (or Invalid "unknown tag" under UpdateOnly).
//   - Only columns present in both records are compared.
//   - A blank source value means "not supplied" and never clears the target.
//   - No differing column: NoOp. Otherwise Update with deltas in source order.
func Diff(rec record.Record, existing *record.Record, opts Options) Decision {
	d := Decision{Tag: rec.Tag, Record: rec}
	if existing == nil {
		if opts.UpdateOnly {
			d.Kind = Invalid
			d.Reason = ReasonUnknownTag
			d.Column = opts.TagColumn
			d.RawValue = rec.Tag
			return d
		}
		d.Kind = Insert
		return d
	}

	tol := opts.tolerance()
	compared := 0
	for _, f := range rec.Fields() {
		if strings.EqualFold(f.Column, opts.TagColumn) {
			continue
		}
		old, ok := existing.Get(f.Column)
		if !ok {
			continue
		}
		compared++
		if f.Value.IsBlank() {
			continue
		}
		if !f.Value.Equal(old, tol) {
			d.Deltas = append(d.Deltas, Delta{Column: f.Column, Old: old, New: f.Value})
		}
	}

	if len(d.Deltas) == 0 {
		d.Kind = NoOp
		if compared == 0 {
			d.Note = NoteNoColumns
		}
		return d
	}
	d.Kind = Update
	return d
}
