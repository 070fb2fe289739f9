package mapping

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfig matches every *ConfigError via errors.Is.
var ErrConfig = errors.New("mapping: configuration error")

// ErrorKind classifies configuration failures.
type ErrorKind uint8

const (
	// Unreadable means the configuration source could not be loaded at all.
	Unreadable ErrorKind = iota + 1
	// MissingSheet means a required mapping sheet, or a required column in
	// one, is absent.
	MissingSheet
	// DuplicateMapping means a header appears twice, or two headers map to
	// the same target column.
	DuplicateMapping
	// ConflictingIgnore means a header is both mapped and ignored.
	ConflictingIgnore
	// EmptyMapping means the mapping sheet has no usable rows.
	EmptyMapping
	// MissingTagMapping means no header maps to the tag column.
	MissingTagMapping
)

func (k ErrorKind) String() string {
	switch k {
	case Unreadable:
		return "unreadable"
	case MissingSheet:
		return "missing sheet"
	case DuplicateMapping:
		return "duplicate mapping"
	case ConflictingIgnore:
		return "conflicting ignore"
	case EmptyMapping:
		return "empty mapping"
	case MissingTagMapping:
		return "missing tag mapping"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ConfigError is returned by Resolve. It is fatal to a run: no sheet is
// processed when the mapping cannot be resolved.
type ConfigError struct {
	Kind   ErrorKind
	Sheet  string
	Header string
	Column string
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("mapping: ")
	b.WriteString(e.Kind.String())
	if e.Sheet != "" {
		fmt.Fprintf(&b, ": sheet %q", e.Sheet)
	}
	if e.Header != "" {
		fmt.Fprintf(&b, ": header %q", e.Header)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, ": column %q", e.Column)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }
