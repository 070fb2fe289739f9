// Package executor applies batch units to the target store.
//
// Each unit is preflighted against the described schema, then either
// simulated (DryRun) or written in one transaction (Apply). Transient failures
// are retried with exponential backoff; when a unit still fails, it falls back
// to one transaction per row so that good rows commit and bad rows are
// reported individually.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tagsync/internal/batch"
	"tagsync/internal/diff"
	"tagsync/internal/metrics"
	"tagsync/internal/storage"
)

// Logger is the minimal logging interface used by the executor.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// ErrConnectionLost is returned (wrapped) when the store stays unreachable.
var ErrConnectionLost = errors.New("executor: connection lost")

// Mode selects between simulation and real writes.
type Mode uint8

const (
	DryRun Mode = iota
	Apply
)

func (m Mode) String() string {
	if m == Apply {
		return "apply"
	}
	return "dry_run"
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Status is the per-row result of executing a unit.
type Status uint8

const (
	Committed Status = iota + 1
	Simulated
	Unchanged
	Failed
)

func (s Status) String() string {
	switch s {
	case Committed:
		return "Committed"
	case Simulated:
		return "Simulated"
	case Unchanged:
		return "Unchanged"
	case Failed:
		return "Failed"
	default:
		return "Status(?)"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// RowResult is the outcome of one decision.
type RowResult struct {
	Decision diff.Decision
	Status   Status

	// Kind and Err are set for Failed rows.
	Kind storage.Kind
	Err  error
}

// Outcome is the result of one unit.
type Outcome struct {
	Sheet   string
	Index   int
	Applied bool
	Rows    []RowResult // unit order

	Inserted  int
	Updated   int
	Unchanged int
	Failed    int
	Retries   int
	Isolated  bool
}

func (o *Outcome) count() {
	o.Inserted, o.Updated, o.Unchanged, o.Failed = 0, 0, 0, 0
	for _, r := range o.Rows {
		switch r.Status {
		case Committed, Simulated:
			if r.Decision.Kind == diff.Insert {
				o.Inserted++
			} else {
				o.Updated++
			}
		case Unchanged:
			o.Unchanged++
		case Failed:
			o.Failed++
		}
	}
}

// Options tunes execution. Zero values pick the defaults.
type Options struct {
	// BatchTimeout bounds one transaction attempt. Default 30s.
	BatchTimeout time.Duration

	// MaxRetries is the number of retries after a transient failure.
	// Default 3; negative disables retries.
	MaxRetries int

	// Backoff is the first retry delay, doubled per attempt up to MaxBackoff.
	// Defaults 200ms and 5s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Sleep is a seam for tests. Default time.Sleep.
	Sleep func(time.Duration)

	Logger Logger
}

const (
	defaultBatchTimeout = 30 * time.Second
	defaultMaxRetries   = 3
	defaultBackoff      = 200 * time.Millisecond
	defaultMaxBackoff   = 5 * time.Second
	pingTimeout         = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = defaultBatchTimeout
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = defaultMaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = o.Backoff
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return o
}

// Executor runs units against one store. It holds no per-unit state and is
// safe for concurrent use by different sheets.
type Executor struct {
	store  storage.Store
	schema storage.Schema
	opts   Options
}

func New(store storage.Store, schema storage.Schema, opts Options) *Executor {
	return &Executor{store: store, schema: schema, opts: opts.withDefaults()}
}

func (e *Executor) logf(format string, v ...any) {
	if e.opts.Logger == nil {
		return
	}
	e.opts.Logger.Printf(format, v...)
}

var _ Logger = (*log.Logger)(nil)

// backoff returns the delay before retry attempt (1-based).
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.opts.Backoff << uint(attempt-1)
	if d <= 0 || d > e.opts.MaxBackoff {
		d = e.opts.MaxBackoff
	}
	return d
}

// Execute runs one unit.
//
// Errors:
//   - ctx already done before the unit starts: ctx.Err(), nothing executed.
//   - store unreachable after retries: wraps ErrConnectionLost. The outcome
//     still lists every row; rows that never ran are Failed/ConnectionLost.
//
// Row-level failures never produce an error; they are in Outcome.Rows.
func (e *Executor) Execute(ctx context.Context, unit batch.Unit, mode Mode) (Outcome, error) {
	out := Outcome{Sheet: unit.Sheet, Index: unit.Index, Rows: make([]RowResult, len(unit.Decisions))}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	start := time.Now()
	// In-flight units finish even when the caller is cancelled.
	bctx := context.WithoutCancel(ctx)

	pending := e.preflight(unit, out.Rows)

	var fatal error
	switch {
	case mode == DryRun:
		for _, i := range pending {
			out.Rows[i].Status = Simulated
		}
	case len(pending) > 0:
		fatal = e.apply(bctx, &out, pending)
		out.Applied = fatal == nil
	default:
		out.Applied = true
	}

	out.count()
	e.observe(mode, &out, fatal, time.Since(start))
	return out, fatal
}

func (e *Executor) apply(ctx context.Context, out *Outcome, pending []int) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = e.applyAll(ctx, out.Rows, pending)
		if err == nil {
			for _, i := range pending {
				out.Rows[i].Status = Committed
			}
			return nil
		}
		if !storage.IsRetryable(err) || attempt >= e.opts.MaxRetries {
			break
		}
		out.Retries++
		wait := e.backoff(attempt + 1)
		e.logf("stage=execute sheet=%q batch=%d retry=%d wait=%s err=%v", out.Sheet, out.Index, attempt+1, wait, err)
		metrics.IncCounter(metrics.RetriesTotal, 1, nil)
		e.opts.Sleep(wait)
	}

	if storage.IsRetryable(err) {
		if perr := e.ping(ctx); perr != nil {
			e.failRows(out.Rows, pending, storage.ConnectionLost, err)
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
	}

	e.logf("stage=execute sheet=%q batch=%d isolate rows=%d err=%v", out.Sheet, out.Index, len(pending), err)
	out.Isolated = true
	return e.isolate(ctx, out, pending)
}

// isolate applies every pending row in its own transaction, exactly once.
func (e *Executor) isolate(ctx context.Context, out *Outcome, pending []int) error {
	for n, i := range pending {
		err := e.applyAll(ctx, out.Rows, []int{i})
		if err == nil {
			out.Rows[i].Status = Committed
			continue
		}
		kind := storage.Classify(err)
		if kind == storage.ConnectionLost {
			if perr := e.ping(ctx); perr != nil {
				e.failRows(out.Rows, pending[n:], storage.ConnectionLost, err)
				return fmt.Errorf("%w: %w", ErrConnectionLost, err)
			}
		}
		out.Rows[i] = RowResult{Decision: out.Rows[i].Decision, Status: Failed, Kind: kind, Err: err}
	}
	return nil
}

// applyAll writes the given rows in one transaction under the batch timeout.
// The transaction is always finished.
func (e *Executor) applyAll(ctx context.Context, rows []RowResult, idx []int) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.BatchTimeout)
	defer cancel()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, i := range idx {
		d := rows[i].Decision
		switch d.Kind {
		case diff.Insert:
			err = tx.Insert(ctx, d.Record)
		case diff.Update:
			err = tx.Update(ctx, d.Tag, d.Set())
		}
		if err != nil {
			return fmt.Errorf("row %d tag %q: %w", d.Row, d.Tag, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (e *Executor) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return e.store.Ping(ctx)
}

func (e *Executor) failRows(rows []RowResult, idx []int, kind storage.Kind, err error) {
	for _, i := range idx {
		rows[i] = RowResult{Decision: rows[i].Decision, Status: Failed, Kind: kind, Err: err}
	}
}

func (e *Executor) observe(mode Mode, out *Outcome, fatal error, took time.Duration) {
	status := "ok"
	switch {
	case fatal != nil:
		status = "fatal"
	case out.Isolated:
		status = "isolated"
	}
	labels := metrics.Labels{"mode": mode.String(), "status": status}
	metrics.IncCounter(metrics.BatchesTotal, 1, labels)
	metrics.ObserveDuration(metrics.BatchDurationSeconds, took, labels)

	for outcome, n := range map[string]int{
		"inserted":  out.Inserted,
		"updated":   out.Updated,
		"unchanged": out.Unchanged,
		"failed":    out.Failed,
	} {
		if n > 0 {
			metrics.IncCounter(metrics.RowsTotal, float64(n), metrics.Labels{"outcome": outcome})
		}
	}

	e.logf("stage=execute sheet=%q batch=%d mode=%s status=%s rows=%d inserted=%d updated=%d unchanged=%d failed=%d retries=%d duration=%s",
		out.Sheet, out.Index, mode, status, len(out.Rows), out.Inserted, out.Updated, out.Unchanged, out.Failed, out.Retries, took.Truncate(time.Millisecond))
}
