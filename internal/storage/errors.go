package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
)

// Kind classifies a store failure for retry and reporting decisions.
type Kind uint8

const (
	Unknown Kind = iota
	// Transient failures (lock timeout, deadlock, batch timeout) are retried.
	Transient
	// ConnectionLost means the store is unreachable. It is fatal to a run.
	ConnectionLost
	// ConstraintViolation covers unique, foreign key and NOT NULL failures.
	ConstraintViolation
	// TypeError means a value could not be converted to the column type.
	TypeError
	// Validation is a row rejected before it reached the store.
	Validation
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "Transient"
	case ConnectionLost:
		return "ConnectionLost"
	case ConstraintViolation:
		return "ConstraintViolation"
	case TypeError:
		return "TypeError"
	case Validation:
		return "Validation"
	default:
		return "Unknown"
	}
}

// MarshalText lets report encoders print kinds by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ErrTagNotFound is returned by Tx.Update when no row carries the tag.
var ErrTagNotFound = errors.New("tag not found")

// Error attaches a Kind to a backend error. Classify honours it before any
// driver-specific inspection.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classifier inspects a driver error. ok=false means "not mine".
type Classifier func(err error) (kind Kind, ok bool)

var (
	classifierMu sync.RWMutex
	classifiers  []Classifier
)

// RegisterClassifier adds a driver-aware classifier. Backends call it from
// init() next to Register.
func RegisterClassifier(c Classifier) {
	if c == nil {
		panic("storage: RegisterClassifier called with nil classifier")
	}
	classifierMu.Lock()
	defer classifierMu.Unlock()
	classifiers = append(classifiers, c)
}

// Classify maps err to a Kind.
//
// Order: an explicit *Error wins, then registered driver classifiers, then
// generic network and context checks, then message patterns.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var se *Error
	if errors.As(err, &se) && se.Kind != Unknown {
		return se.Kind
	}

	classifierMu.RLock()
	cs := classifiers
	classifierMu.RUnlock()
	for _, c := range cs {
		if k, ok := c(err); ok {
			return k
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Transient
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return ConnectionLost
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Transient
		}
		return ConnectionLost
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "bad connection"):
		return ConnectionLost
	case strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "lock timeout"),
		strings.Contains(msg, "database is locked"):
		return Transient
	case strings.Contains(msg, "unique"),
		strings.Contains(msg, "duplicate key"),
		strings.Contains(msg, "foreign key"),
		strings.Contains(msg, "not null"),
		strings.Contains(msg, "cannot insert the value null"):
		return ConstraintViolation
	case strings.Contains(msg, "conversion failed"),
		strings.Contains(msg, "invalid input syntax"),
		strings.Contains(msg, "datatype mismatch"):
		return TypeError
	}
	return Unknown
}

// IsRetryable reports whether the executor should retry a batch after err.
// A dropped connection is retried too; the pool may hand out a fresh one.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case Transient, ConnectionLost:
		return true
	}
	return false
}
