package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
	"time"

	"tagsync/internal/record"
)

// Hasher accumulates a deterministic SHA-256 over a stream of decisions.
//
// Canonicalization rules:
//   - Components are joined with the ASCII Unit Separator (0x1f) and each
//     decision ends with a Record Separator (0x1e).
//   - Components are written as "name=value".
//   - Blank values are encoded as a single NUL byte so blank differs from "".
//   - Dates are encoded as RFC3339Nano in UTC and numbers in shortest form.
//
// Two runs that planned the same work produce the same Sum regardless of mode.
type Hasher struct {
	h   hash.Hash
	buf []byte
}

func NewHasher() *Hasher { return &Hasher{h: sha256.New()} }

func (h *Hasher) Add(d Decision) {
	b := h.buf[:0]
	b = appendComponent(b, "kind", d.Kind.String())
	b = appendComponent(b, "sheet", d.Sheet)
	b = appendComponent(b, "row", strconv.Itoa(d.Row))
	b = appendComponent(b, "tag", d.Tag)
	switch d.Kind {
	case Insert:
		for _, f := range d.Record.Fields() {
			b = appendValue(b, f.Column, f.Value)
		}
	case Update:
		for _, dl := range d.Deltas {
			b = appendValue(b, dl.Column, dl.New)
		}
	case Invalid:
		b = appendComponent(b, "reason", d.Reason)
		b = appendComponent(b, "column", d.Column)
	}
	b = append(b, '\x1e')
	h.h.Write(b)
	h.buf = b
}

// Sum returns the lowercase hex digest (length 64).
func (h *Hasher) Sum() string { return hex.EncodeToString(h.h.Sum(nil)) }

// Fingerprint hashes decisions in order.
func Fingerprint(ds []Decision) string {
	h := NewHasher()
	for _, d := range ds {
		h.Add(d)
	}
	return h.Sum()
}

func appendComponent(b []byte, name, value string) []byte {
	if len(b) > 0 {
		b = append(b, '\x1f')
	}
	b = append(b, name...)
	b = append(b, '=')
	return append(b, value...)
}

func appendValue(b []byte, name string, v record.Value) []byte {
	switch v.Kind() {
	case record.KindBlank:
		return appendComponent(b, name, "\x00")
	case record.KindDate:
		t, _ := v.Time()
		return appendComponent(b, name, t.UTC().Format(time.RFC3339Nano))
	default:
		return appendComponent(b, name, v.String())
	}
}
