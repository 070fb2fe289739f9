package executor

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"tagsync/internal/batch"
	"tagsync/internal/diff"
	"tagsync/internal/record"
	"tagsync/internal/storage"
)

// Preflight errors. They fail a row in both modes, before any statement.
var (
	ErrRequired         = errors.New("required column missing")
	ErrTooLong          = errors.New("value exceeds column length")
	ErrIncompatible     = errors.New("value incompatible with column type")
	ErrDuplicateInBatch = errors.New("tag appears twice in batch")
)

// preflight fills rows with NoOp and failed results and returns the indexes
// of write decisions that may be executed.
func (e *Executor) preflight(unit batch.Unit, rows []RowResult) []int {
	pending := make([]int, 0, len(unit.Decisions))
	seen := make(map[string]struct{}, len(unit.Decisions))

	for i, d := range unit.Decisions {
		rows[i].Decision = d
		if !d.IsWrite() {
			rows[i].Status = Unchanged
			continue
		}

		key := storage.NormalizeKey(d.Tag)
		if _, dup := seen[key]; dup {
			rows[i].Status, rows[i].Kind = Failed, storage.ConstraintViolation
			rows[i].Err = &storage.Error{Kind: storage.ConstraintViolation, Op: "preflight", Err: ErrDuplicateInBatch}
			continue
		}
		seen[key] = struct{}{}

		if kind, err := e.check(d); err != nil {
			rows[i].Status, rows[i].Kind = Failed, kind
			rows[i].Err = &storage.Error{Kind: kind, Op: "preflight", Err: err}
			continue
		}
		pending = append(pending, i)
	}
	return pending
}

// check validates one write decision against the schema.
func (e *Executor) check(d diff.Decision) (storage.Kind, error) {
	fields := d.Set()
	if d.Kind == diff.Insert {
		fields = d.Record.Fields()
		for _, c := range e.schema.Columns {
			if !c.Required() {
				continue
			}
			if v, ok := d.Record.Get(c.Name); !ok || v.IsBlank() {
				return storage.ConstraintViolation, fmt.Errorf("%w: %s", ErrRequired, c.Name)
			}
		}
	}

	for _, f := range fields {
		c, ok := e.schema.Column(f.Column)
		if !ok || f.Value.IsBlank() {
			continue
		}
		if !compatible(c.Type, f.Value) {
			return storage.TypeError, fmt.Errorf("%w: %s is %s, got %s %q", ErrIncompatible, c.Name, c.Type, f.Value.Kind(), f.Value.String())
		}
		if c.MaxLength > 0 && c.Type == storage.TypeText {
			if n := utf8.RuneCountInString(f.Value.String()); n > c.MaxLength {
				return storage.TypeError, fmt.Errorf("%w: %s allows %d characters, got %d", ErrTooLong, c.Name, c.MaxLength, n)
			}
		}
	}
	return storage.Unknown, nil
}

func compatible(t storage.ColumnType, v record.Value) bool {
	switch t {
	case storage.TypeNumeric:
		switch v.Kind() {
		case record.KindNumber:
			return true
		case record.KindString:
			_, ok := record.ParseNumber(v.String())
			return ok
		}
		return false
	case storage.TypeDate:
		switch v.Kind() {
		case record.KindDate:
			return true
		case record.KindString:
			_, ok := record.ParseDate(v.String())
			return ok
		}
		return false
	}
	return true
}
