// Package record defines the data model shared by the import pipeline:
// raw spreadsheet rows, the typed Value union produced by coercion, and the
// canonical Record compared against the target store.
package record

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the closed set of value variants a coerced cell can hold.
type Kind uint8

const (
	KindBlank Kind = iota
	KindNumber
	KindDate
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBlank:
		return "blank"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	case KindString:
		return "string"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// DefaultTolerance is the absolute difference under which two numbers are
// considered equal.
const DefaultTolerance = 1e-6

// Value is a tagged union over blank, number, date and string.
//
// The zero Value is Blank. Values are immutable and safe to copy.
type Value struct {
	kind Kind
	num  float64
	t    time.Time
	s    string
}

// Blank returns the blank value.
func Blank() Value { return Value{} }

// Num returns a numeric value. NaN and infinities are stored as blank since no
// target column can hold them.
func Num(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Value{kind: KindNumber, num: f}
}

// Date returns a date value normalized to UTC with second precision.
func Date(t time.Time) Value {
	if t.IsZero() {
		return Value{}
	}
	return Value{kind: KindDate, t: t.UTC().Truncate(time.Second)}
}

// Str returns a trimmed string value. A string that is empty after trimming
// is blank.
func Str(s string) Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}
	}
	return Value{kind: KindString, s: s}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsBlank() bool { return v.kind == KindBlank }

// Float returns the numeric payload.
func (v Value) Float() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// Time returns the date payload.
func (v Value) Time() (time.Time, bool) {
	if v.kind != KindDate {
		return time.Time{}, false
	}
	return v.t, true
}

// Any returns the value in the form bound as a database parameter:
// nil, float64, time.Time or string.
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindDate:
		return v.t
	case KindString:
		return v.s
	default:
		return nil
	}
}

// String returns the canonical text form. Numbers use the shortest
// representation without exponent ("3", "2.5"), dates without a clock
// component render as 2006-01-02.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return FormatNumber(v.num)
	case KindDate:
		if v.t.Hour() == 0 && v.t.Minute() == 0 && v.t.Second() == 0 {
			return v.t.Format("2006-01-02")
		}
		return v.t.Format(time.RFC3339)
	case KindString:
		return v.s
	default:
		return ""
	}
}

// GoString makes %#v output readable in test failures.
func (v Value) GoString() string {
	if v.kind == KindBlank {
		return "record.Blank()"
	}
	return fmt.Sprintf("record.%s(%q)", v.kind, v.String())
}

// Equal compares two values by their typed content. Numbers are equal within
// tol. A string that parses as a number or date is compared against the other
// side's number or date, so "3" equals 3.
func (v Value) Equal(o Value, tol float64) bool {
	if tol < 0 {
		tol = 0
	}
	if v.kind == KindBlank || o.kind == KindBlank {
		return v.kind == o.kind
	}

	if v.kind == KindString && o.kind != KindString {
		v, o = o, v
	}

	switch v.kind {
	case KindNumber:
		switch o.kind {
		case KindNumber:
			return math.Abs(v.num-o.num) <= tol
		case KindString:
			f, ok := ParseNumber(o.s)
			return ok && math.Abs(v.num-f) <= tol
		}
	case KindDate:
		switch o.kind {
		case KindDate:
			return v.t.Equal(o.t)
		case KindString:
			t, ok := ParseDate(o.s)
			return ok && v.t.Equal(t.UTC().Truncate(time.Second))
		}
	case KindString:
		return v.s == o.s
	}
	return false
}

// FromAny converts a driver-returned scalar into a Value.
//
// Drivers disagree on representations: SQL Server decimals arrive as []byte,
// SQLite integers as int64, Postgres text as string. Numbers and times map to
// their typed variants; text stays a string and relies on Equal's coercion.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Blank()
	case Value:
		return t
	case string:
		return Str(t)
	case []byte:
		return Str(string(t))
	case float64:
		return Num(t)
	case float32:
		return Num(float64(t))
	case int:
		return Num(float64(t))
	case int8:
		return Num(float64(t))
	case int16:
		return Num(float64(t))
	case int32:
		return Num(float64(t))
	case int64:
		return Num(float64(t))
	case uint8:
		return Num(float64(t))
	case uint16:
		return Num(float64(t))
	case uint32:
		return Num(float64(t))
	case uint64:
		return Num(float64(t))
	case bool:
		if t {
			return Num(1)
		}
		return Num(0)
	case time.Time:
		return Date(t)
	case fmt.Stringer:
		return Str(t.String())
	default:
		return Str(fmt.Sprint(v))
	}
}

// FormatNumber renders f without exponent and without trailing zeros.
func FormatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
