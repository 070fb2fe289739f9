// Package normalize turns raw spreadsheet rows into canonical records typed
// by the target table's declared column types.
package normalize

import (
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"tagsync/internal/mapping"
	"tagsync/internal/record"
	"tagsync/internal/storage"
)

// Invalid reasons.
const (
	ReasonUnmappedHeader = "unmapped header"
	ReasonTypeMismatch   = "type mismatch"
	ReasonMissingTag     = "missing tag"
)

// Options controls normalization.
type Options struct {
	// Strict rejects rows carrying a value under an unmapped header.
	Strict bool

	// TagColumn is the target column holding the business key.
	TagColumn string

	// DateLayouts are tried before the built-in layouts for date columns.
	DateLayouts []string
}

// Invalid describes a row rejected during normalization.
type Invalid struct {
	Sheet    string
	Row      int
	Tag      string
	Reason   string
	Column   string
	RawValue string
	Detail   string
}

func (i *Invalid) Error() string {
	msg := i.Reason
	if i.Column != "" {
		msg += ": column " + i.Column
	}
	if i.RawValue != "" {
		msg += ": value " + quote(i.RawValue)
	}
	if i.Detail != "" {
		msg += " (" + i.Detail + ")"
	}
	return msg
}

func quote(s string) string { return `"` + s + `"` }

type headerKind uint8

const (
	headerBlank headerKind = iota
	headerIgnored
	headerUnmapped
	headerNoColumn
	headerMapped
)

type resolution struct {
	kind   headerKind
	column string // table spelling when the table has it
	typ    storage.ColumnType
}

// Normalizer is safe for concurrent use; header resolutions are cached.
type Normalizer struct {
	cfg       *mapping.Config
	schema    storage.Schema
	opts      Options
	tagColumn string

	cache sync.Map // raw header -> resolution
}

// New builds a Normalizer. An empty schema accepts every mapped column as
// undeclared.
func New(cfg *mapping.Config, schema storage.Schema, opts Options) *Normalizer {
	tag := opts.TagColumn
	if c, ok := schema.Column(tag); ok {
		tag = c.Name
	}
	return &Normalizer{cfg: cfg, schema: schema, opts: opts, tagColumn: tag}
}

// TagColumn returns the tag column in the table's spelling.
func (n *Normalizer) TagColumn() string { return n.tagColumn }

func (n *Normalizer) resolve(header string) resolution {
	if r, ok := n.cache.Load(header); ok {
		return r.(resolution)
	}
	r := n.resolveUncached(header)
	n.cache.Store(header, r)
	return r
}

func (n *Normalizer) resolveUncached(header string) resolution {
	if mapping.CleanHeader(header) == "" {
		return resolution{kind: headerBlank}
	}
	if n.cfg.Ignored(header) {
		return resolution{kind: headerIgnored}
	}
	col, ok := n.cfg.Column(header)
	if !ok {
		return resolution{kind: headerUnmapped}
	}
	if len(n.schema.Columns) == 0 {
		return resolution{kind: headerMapped, column: col}
	}
	c, ok := n.schema.Column(col)
	if !ok {
		return resolution{kind: headerNoColumn, column: col}
	}
	return resolution{kind: headerMapped, column: c.Name, typ: c.Type}
}

// HeaderReport summarizes how a sheet's header row resolves.
type HeaderReport struct {
	Mapped    []string // target columns, in header order
	Ignored   []string
	Unmapped  []string
	NoColumn  []string // mapped headers whose column the table lacks
	HasTag    bool
	TagHeader string
}

// Headers resolves a header row without looking at any data.
func (n *Normalizer) Headers(headers []string) HeaderReport {
	var hr HeaderReport
	for _, h := range headers {
		r := n.resolve(h)
		switch r.kind {
		case headerIgnored:
			hr.Ignored = append(hr.Ignored, h)
		case headerUnmapped:
			hr.Unmapped = append(hr.Unmapped, h)
		case headerNoColumn:
			hr.NoColumn = append(hr.NoColumn, h)
		case headerMapped:
			hr.Mapped = append(hr.Mapped, r.column)
			if strings.EqualFold(r.column, n.tagColumn) && !hr.HasTag {
				hr.HasTag = true
				hr.TagHeader = h
			}
		}
	}
	return hr
}

// Normalize converts one raw row. It has no side effects.
func (n *Normalizer) Normalize(raw record.RawRow) (record.Record, *Invalid) {
	invalid := func(reason, column, value, detail, tag string) *Invalid {
		return &Invalid{Sheet: raw.Sheet, Row: raw.Index, Tag: tag, Reason: reason, Column: column, RawValue: value, Detail: detail}
	}

	// Tag first so every later rejection can name the row's tag.
	tag := ""
	for i, h := range raw.Headers {
		r := n.resolve(h)
		if r.kind == headerMapped && strings.EqualFold(r.column, n.tagColumn) {
			tag = tagText(raw.Cell(i))
			break
		}
	}
	if tag == "" {
		return record.Record{}, invalid(ReasonMissingTag, n.tagColumn, "", "", "")
	}

	fields := make([]record.Field, 0, len(raw.Headers))
	for i, h := range raw.Headers {
		r := n.resolve(h)
		cell := raw.Cell(i)
		switch r.kind {
		case headerBlank, headerIgnored, headerNoColumn:
			continue
		case headerUnmapped:
			if n.opts.Strict && strings.TrimSpace(cell.Text) != "" {
				return record.Record{}, invalid(ReasonUnmappedHeader, mapping.CleanHeader(h), cell.Text, "", tag)
			}
			continue
		}

		if strings.EqualFold(r.column, n.tagColumn) {
			fields = append(fields, record.Field{Column: r.column, Value: record.Str(tag)})
			continue
		}

		v, detail := n.coerce(cell, r.typ)
		if detail != "" {
			return record.Record{}, invalid(ReasonTypeMismatch, r.column, cell.Text, detail, tag)
		}
		fields = append(fields, record.Field{Column: r.column, Value: v})
	}

	return record.New(tag, fields), nil
}

// coerce converts a cell to the declared type. A non-empty detail means the
// value does not fit.
func (n *Normalizer) coerce(cell record.Cell, typ storage.ColumnType) (record.Value, string) {
	text := strings.TrimSpace(cell.Text)
	if text == "" {
		return record.Blank(), ""
	}

	switch typ {
	case storage.TypeNumeric:
		if cell.Hint == record.HintBool {
			if b, ok := parseBool(text); ok {
				return b, ""
			}
		}
		if f, ok := record.ParseNumber(text); ok {
			return record.Num(f), ""
		}
		return record.Value{}, "expected numeric value"

	case storage.TypeDate:
		// Unhinted digits such as "20240115" try the date layouts before
		// being read as a serial.
		f, isNum := record.ParseNumber(text)
		serial := isNum && f <= maxExcelSerial
		hinted := cell.Hint == record.HintNumber || cell.Hint == record.HintDate
		if hinted && serial {
			return fromSerial(f)
		}
		if t, ok := n.parseDate(text); ok {
			return record.Date(t), ""
		}
		if serial {
			return fromSerial(f)
		}
		if isNum {
			return record.Value{}, "serial date out of range"
		}
		return record.Value{}, "expected date value"

	case storage.TypeText:
		if cell.Hint == record.HintNumber {
			if f, ok := record.ParseNumber(text); ok {
				return record.Str(record.FormatNumber(f)), ""
			}
		}
		return record.Str(text), ""
	}

	// Undeclared: numeric, then date, then text.
	if f, ok := record.ParseNumber(text); ok {
		return record.Num(f), ""
	}
	if t, ok := n.parseDate(text); ok {
		return record.Date(t), ""
	}
	return record.Str(text), ""
}

// maxExcelSerial is 9999-12-31, the last day a workbook can hold.
const maxExcelSerial = 2958465

func fromSerial(f float64) (record.Value, string) {
	t, err := excelize.ExcelDateToTime(f, false)
	if err != nil {
		return record.Value{}, "serial date out of range"
	}
	return record.Date(t), ""
}

func (n *Normalizer) parseDate(s string) (time.Time, bool) {
	for _, layout := range n.opts.DateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return record.ParseDate(s)
}

func parseBool(s string) (record.Value, bool) {
	switch strings.ToLower(s) {
	case "true", "yes":
		return record.Num(1), true
	case "false", "no":
		return record.Num(0), true
	}
	return record.Value{}, false
}

// tagText renders a tag cell canonically: numeric tags lose any trailing
// ".0" so "1001" and 1001 produce the same key.
func tagText(c record.Cell) string {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return ""
	}
	if c.Hint == record.HintNumber {
		if f, ok := record.ParseNumber(text); ok {
			return record.FormatNumber(f)
		}
	}
	return storage.NormalizeKey(text)
}
