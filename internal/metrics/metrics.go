// Package metrics is the vendor-neutral metrics facade used by the import
// engine. Backends (see internal/metrics/datadog) plug in via SetBackend; the
// default backend drops everything.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions. Keep cardinality low: mode, status, outcome.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

// Metric names emitted by the engine.
const (
	BatchesTotal         = "tagsync_batches_total"
	RowsTotal            = "tagsync_rows_total"
	RetriesTotal         = "tagsync_retries_total"
	SheetsTotal          = "tagsync_sheets_total"
	BatchDurationSeconds = "tagsync_batch_duration_seconds"
)

type nop struct{}

func (nop) IncCounter(string, float64, Labels) {}
func (nop) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nop{}
)

// SetBackend installs b. A nil b restores the nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nop{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// ObserveDuration records d in seconds.
func ObserveDuration(name string, d time.Duration, labels Labels) {
	current().ObserveHistogram(name, d.Seconds(), labels)
}

// Flush flushes the installed backend when it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}
