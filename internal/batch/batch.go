// Package batch groups a sheet's decisions into bounded, ordered units.
package batch

import (
	"iter"
	"sync/atomic"

	"tagsync/internal/diff"
)

// DefaultSize is the unit size used when none is given.
const DefaultSize = 2000

// Unit is one executable batch of a sheet.
type Unit struct {
	Sheet     string
	Index     int // 0-based, per sheet
	Decisions []diff.Decision
}

// Writes counts the Insert and Update decisions in u.
func (u Unit) Writes() int {
	n := 0
	for _, d := range u.Decisions {
		if d.IsWrite() {
			n++
		}
	}
	return n
}

// Split cuts decisions into units of at most size entries, preserving order.
// Invalid decisions are handed to onInvalid (which may be nil) as they pass
// and never enter a unit.
//
// The returned sequence is single-pass: ranging it again yields nothing.
func Split(decisions iter.Seq[diff.Decision], size int, onInvalid func(diff.Decision)) iter.Seq[Unit] {
	if size <= 0 {
		size = DefaultSize
	}
	var used atomic.Bool
	return func(yield func(Unit) bool) {
		if used.Swap(true) {
			return
		}

		index := 0
		var sheet string
		buf := make([]diff.Decision, 0, size)
		emit := func() bool {
			u := Unit{Sheet: sheet, Index: index, Decisions: buf}
			index++
			buf = make([]diff.Decision, 0, size)
			return yield(u)
		}

		for d := range decisions {
			if d.Kind == diff.Invalid {
				if onInvalid != nil {
					onInvalid(d)
				}
				continue
			}
			sheet = d.Sheet
			buf = append(buf, d)
			if len(buf) == size {
				if !emit() {
					return
				}
			}
		}
		if len(buf) > 0 {
			emit()
		}
	}
}
