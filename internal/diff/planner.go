package diff

import (
	"context"
	"iter"

	"tagsync/internal/normalize"
	"tagsync/internal/record"
	"tagsync/internal/storage"
)

// DefaultChunk is how many valid records the planner buffers per lookup.
const DefaultChunk = 2000

// Tracker remembers tags already seen in one sheet. The first occurrence of a
// tag wins; later ones are rejected as duplicates.
type Tracker struct {
	seen map[string]int
}

func NewTracker() *Tracker { return &Tracker{seen: make(map[string]int)} }

// Mark records tag at row and reports the row of an earlier occurrence.
func (t *Tracker) Mark(tag string, row int) (first int, dup bool) {
	key := storage.NormalizeKey(tag)
	if r, ok := t.seen[key]; ok {
		return r, true
	}
	t.seen[key] = row
	return row, false
}

func (t *Tracker) Len() int { return len(t.seen) }

// Item is one normalized row: either a Record or an Invalid.
type Item struct {
	Row     int
	Record  record.Record
	Invalid *normalize.Invalid
}

// Lookup fetches existing rows keyed by storage.NormalizeKey(tag).
type Lookup func(ctx context.Context, tags []string) (map[string]record.Record, error)

// Planner turns a sheet's normalized rows into decisions, fetching existing
// rows a chunk at a time. Decisions keep source row order.
type Planner struct {
	Sheet   string
	Lookup  Lookup
	Chunk   int
	Options Options

	err error
}

// Err returns the lookup error that stopped the last Plan, if any.
func (p *Planner) Err() error { return p.err }

// Plan yields one decision per item. A lookup failure ends the sequence; the
// caller checks Err afterwards.
func (p *Planner) Plan(ctx context.Context, items iter.Seq[Item]) iter.Seq[Decision] {
	return func(yield func(Decision) bool) {
		p.err = nil
		chunk := p.Chunk
		if chunk <= 0 {
			chunk = DefaultChunk
		}

		tracker := NewTracker()
		pending := make([]Item, 0, chunk)
		valid := 0

		flush := func() bool {
			if len(pending) == 0 {
				return true
			}
			var existing map[string]record.Record
			if valid > 0 {
				tags := make([]string, 0, valid)
				for _, it := range pending {
					if it.Invalid == nil {
						tags = append(tags, it.Record.Tag)
					}
				}
				m, err := p.Lookup(ctx, tags)
				if err != nil {
					p.err = err
					return false
				}
				existing = m
			}
			for _, it := range pending {
				if !yield(p.decide(it, existing)) {
					return false
				}
			}
			pending = pending[:0]
			valid = 0
			return true
		}

		for it := range items {
			if err := ctx.Err(); err != nil {
				p.err = err
				return
			}
			if it.Invalid == nil {
				if first, dup := tracker.Mark(it.Record.Tag, it.Row); dup {
					it.Invalid = &normalize.Invalid{
						Sheet:    p.Sheet,
						Row:      it.Row,
						Tag:      it.Record.Tag,
						Reason:   ReasonDuplicateTag,
						Column:   p.Options.TagColumn,
						RawValue: it.Record.Tag,
						Detail:   "first seen at row " + record.FormatNumber(float64(first)),
					}
				} else {
					valid++
				}
			}
			pending = append(pending, it)
			if valid >= chunk {
				if !flush() {
					return
				}
			}
		}
		flush()
	}
}

func (p *Planner) decide(it Item, existing map[string]record.Record) Decision {
	if inv := it.Invalid; inv != nil {
		return Decision{
			Kind:     Invalid,
			Sheet:    p.Sheet,
			Row:      it.Row,
			Tag:      inv.Tag,
			Reason:   inv.Reason,
			Column:   inv.Column,
			RawValue: inv.RawValue,
			Note:     inv.Detail,
		}
	}
	var prev *record.Record
	if r, ok := existing[storage.NormalizeKey(it.Record.Tag)]; ok {
		prev = &r
	}
	d := Diff(it.Record, prev, p.Options)
	d.Sheet = p.Sheet
	d.Row = it.Row
	return d
}
