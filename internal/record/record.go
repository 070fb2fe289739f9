package record

// Hint is the provider's opinion about a raw cell's native type.
type Hint uint8

const (
	HintUnknown Hint = iota
	HintNumber
	HintDate
	HintBool
	HintFormula
)

// Cell is one untyped source cell.
type Cell struct {
	Text string
	Hint Hint
}

// RawRow is one source row before normalization.
//
// Index is the 1-based row number as shown by the spreadsheet (the header is
// row 1), which is what error reports point users back to. Headers is shared
// by every row of a sheet and must not be mutated.
type RawRow struct {
	Sheet   string
	Index   int
	Headers []string
	Cells   []Cell
}

// Cell returns the i-th cell, or an empty cell for short rows.
func (r RawRow) Cell(i int) Cell {
	if i < 0 || i >= len(r.Cells) {
		return Cell{}
	}
	return r.Cells[i]
}

// IsEmpty reports whether every cell is blank.
func (r RawRow) IsEmpty() bool {
	for _, c := range r.Cells {
		if Str(c.Text).kind != KindBlank {
			return false
		}
	}
	return true
}

// Field is one column of a Record.
type Field struct {
	Column string
	Value  Value
}

// Record is a canonical row: target column -> typed value plus the tag.
//
// Fields keep source order. A column appears at most once. Records built with
// New are read-only.
type Record struct {
	Tag    string
	fields []Field
	index  map[string]int
}

// New builds a Record. Later duplicates of a column replace earlier ones in
// place, keeping the first position.
func New(tag string, fields []Field) Record {
	r := Record{
		Tag:    tag,
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if i, ok := r.index[f.Column]; ok {
			r.fields[i].Value = f.Value
			continue
		}
		r.index[f.Column] = len(r.fields)
		r.fields = append(r.fields, f)
	}
	return r
}

// Get returns the value of column col.
func (r Record) Get(col string) (Value, bool) {
	i, ok := r.index[col]
	if !ok {
		return Value{}, false
	}
	return r.fields[i].Value, true
}

// Fields returns a copy of the record's fields in order.
func (r Record) Fields() []Field {
	return append([]Field(nil), r.fields...)
}

// Columns returns the column names in order.
func (r Record) Columns() []string {
	out := make([]string, len(r.fields))
	for i, f := range r.fields {
		out[i] = f.Column
	}
	return out
}

func (r Record) Len() int { return len(r.fields) }
