// Package run coordinates an import: it resolves the mapping, walks the
// workbook's sheets through normalize, diff, batch and execute, and builds the
// run report.
package run

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tagsync/internal/batch"
	"tagsync/internal/diff"
	"tagsync/internal/executor"
	"tagsync/internal/failure"
	"tagsync/internal/mapping"
	"tagsync/internal/metrics"
	"tagsync/internal/normalize"
	"tagsync/internal/record"
	"tagsync/internal/source"
	"tagsync/internal/storage"
)

// Logger is the minimal logging interface used by the coordinator.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Options are the engine knobs of a run.
type Options struct {
	Mode       executor.Mode
	BatchSize  int
	Strict     bool
	UpdateOnly bool
	TagColumn  string
	FoldCase   bool

	// FloatThreshold is the numeric comparison tolerance. Zero uses
	// record.DefaultTolerance.
	FloatThreshold float64

	// DateLayouts extend the built-in date formats.
	DateLayouts []string

	// SheetParallelism > 1 processes sheets concurrently. Batches of one
	// sheet are always sequential.
	SheetParallelism int

	Executor executor.Options

	// RunID overrides the generated run identifier.
	RunID string
}

// Coordinator runs one import. A Coordinator is single-use.
type Coordinator struct {
	Store   storage.Store
	Source  source.Provider
	Mapping mapping.Source
	Options Options
	Logger  Logger

	// Progress receives state and phase events. Calls are serialized.
	Progress func(Event)

	// now is a seam for tests.
	now func() time.Time
}

// env is the resolved, read-only context shared by sheet workers.
type env struct {
	cfg    *mapping.Config
	schema storage.Schema
	norm   *normalize.Normalizer
	exec   *executor.Executor
	m      *machine
	logf   func(format string, v ...any)
}

// partial is one sheet's contribution, merged by the reducer.
type partial struct {
	sheet    SheetReport
	failures []RowFailure
	fatal    error
}

var _ Logger = (*log.Logger)(nil)

func (c *Coordinator) logger() func(format string, v ...any) {
	if c.Logger == nil {
		return func(string, ...any) {}
	}
	return c.Logger.Printf
}

func (c *Coordinator) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Run executes the import and returns its report.
//
// Errors:
//   - Configuration errors (mapping, table description) abort before any
//     sheet runs; the error wraps mapping.ErrConfig.
//   - A lost store connection or an unreadable sheet aborts the run after
//     the current batch; committed batches stay committed.
//   - Cancellation of ctx stops scheduling new batches and returns
//     ctx.Err().
//
// The report is returned in every case, with State Done or Aborted.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	if c.Store == nil || c.Source == nil || c.Mapping == nil {
		return nil, fmt.Errorf("run: Store, Source and Mapping are required")
	}
	logf := c.logger()
	opts := c.Options

	rep := &Report{RunID: opts.RunID, Mode: opts.Mode, StartedAt: c.clock()}
	if rep.RunID == "" {
		rep.RunID = uuid.NewString()
	}
	m := &machine{progress: c.Progress}

	abort := func(reason string, err error) (*Report, error) {
		m.to(Aborted)
		rep.State = Aborted
		rep.AbortReason = reason
		rep.FinishedAt = c.clock()
		logf("stage=run run_id=%s state=aborted reason=%q duration=%s", rep.RunID, reason, rep.Duration().Truncate(time.Millisecond))
		return rep, err
	}

	m.to(Resolving)
	resolveStart := time.Now()
	e, err := c.resolve(ctx, m, logf)
	if err != nil {
		return abort(err.Error(), err)
	}
	logf("stage=resolve run_id=%s ok mapped=%d columns=%d duration=%s", rep.RunID, e.cfg.Len(), len(e.schema.Columns), durMS(resolveStart))

	sheets, err := c.Source.ListSheets(ctx)
	if err != nil {
		return abort(err.Error(), fmt.Errorf("run: list sheets: %w", err))
	}

	m.to(PerSheet)
	parts := c.processSheets(ctx, e, sheets)

	m.to(Aggregating)
	fatal := reduce(rep, sheets, parts)
	for _, s := range rep.Sheets {
		metrics.IncCounter(metrics.SheetsTotal, 1, metrics.Labels{"status": s.Status.String()})
	}

	switch {
	case fatal != nil:
		return abort(fatal.Error(), fatal)
	case ctx.Err() != nil:
		return abort(ReasonCancelled, ctx.Err())
	}

	m.to(Done)
	rep.State = Done
	rep.FinishedAt = c.clock()
	t := rep.Totals()
	logf("stage=run run_id=%s state=done mode=%s detected=%d committed=%d inserted=%d updated=%d unchanged=%d invalid=%d failed=%d duration=%s",
		rep.RunID, rep.Mode, rep.Detected(), rep.Committed(), t.Inserted, t.Updated, t.Unchanged, t.Invalid, t.Failed, rep.Duration().Truncate(time.Millisecond))
	return rep, nil
}

func (c *Coordinator) resolve(ctx context.Context, m *machine, logf func(string, ...any)) (*env, error) {
	opts := c.Options
	cfg, err := mapping.Resolve(ctx, c.Mapping, mapping.Options{TagColumn: opts.TagColumn, FoldCase: opts.FoldCase})
	if err != nil {
		return nil, err
	}

	schema, err := c.Store.Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("run: describe table: %w", err)
	}
	if len(schema.Columns) == 0 {
		return nil, &mapping.ConfigError{Kind: mapping.MissingSheet, Detail: "table " + schema.Table + " not found or has no columns"}
	}
	if !schema.Has(opts.TagColumn) {
		return nil, &mapping.ConfigError{Kind: mapping.MissingTagMapping, Column: opts.TagColumn, Detail: "table " + schema.Table + " lacks the tag column"}
	}

	norm := normalize.New(cfg, schema, normalize.Options{Strict: opts.Strict, TagColumn: opts.TagColumn, DateLayouts: opts.DateLayouts})
	xopts := opts.Executor
	if xopts.Logger == nil && c.Logger != nil {
		xopts.Logger = c.Logger
	}
	return &env{
		cfg:    cfg,
		schema: schema,
		norm:   norm,
		exec:   executor.New(c.Store, schema, xopts),
		m:      m,
		logf:   logf,
	}, nil
}

// sheetPingTimeout bounds the connectivity check made before each sheet.
const sheetPingTimeout = 5 * time.Second

// ping checks the store before a sheet is scheduled. Any failure is treated
// as a lost connection.
func (c *Coordinator) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, sheetPingTimeout)
	defer cancel()
	return c.Store.Ping(pctx)
}

// processSheets runs every allowed sheet, in parallel when configured, and
// returns one partial per sheet (nil for sheets never started).
func (c *Coordinator) processSheets(ctx context.Context, e *env, sheets []string) []*partial {
	parts := make([]*partial, len(sheets))
	par := c.Options.SheetParallelism
	if par < 1 {
		par = 1
	}

	var stop atomic.Bool
	g := new(errgroup.Group)
	g.SetLimit(par)
	for i, name := range sheets {
		if !e.cfg.Allowed(name) {
			parts[i] = &partial{sheet: SheetReport{Name: name, Status: Skipped, Reason: ReasonNotAllowed}}
			e.logf("stage=sheet sheet=%q skipped reason=%q", name, ReasonNotAllowed)
			continue
		}
		g.Go(func() error {
			if stop.Load() || ctx.Err() != nil {
				return nil
			}
			if err := c.ping(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				stop.Store(true)
				e.logf("stage=sheet sheet=%q skipped reason=%q err=%q", name, ReasonAborted, err)
				parts[i] = &partial{
					sheet: SheetReport{Name: name, Status: Skipped, Reason: ReasonAborted},
					fatal: fmt.Errorf("%w: before sheet %q: %w", executor.ErrConnectionLost, name, err),
				}
				return nil
			}
			p := c.runSheet(ctx, e, name, &stop)
			if p.fatal != nil {
				stop.Store(true)
			}
			parts[i] = p
			return nil
		})
	}
	_ = g.Wait()
	return parts
}

// runSheet is one sheet's pipeline:
// ReadRows -> Normalize -> Planner (tracker, lookup, diff) -> Split -> Execute.
func (c *Coordinator) runSheet(ctx context.Context, e *env, name string, stop *atomic.Bool) *partial {
	start := time.Now()
	opts := c.Options
	p := &partial{sheet: SheetReport{Name: name, Status: Processed}}
	rep := &p.sheet

	// Normalizing.
	e.m.emit(Event{State: PerSheet, Phase: Normalizing, Sheet: name})
	var (
		readErr  error
		noTag    bool
		rowsRead int
	)
	items := func(yield func(diff.Item) bool) {
		checked := false
		for raw, err := range c.Source.ReadRows(ctx, name) {
			if err != nil {
				readErr = err
				return
			}
			if !checked {
				checked = true
				hr := e.norm.Headers(raw.Headers)
				if !hr.HasTag {
					noTag = true
					return
				}
				if len(hr.Unmapped) > 0 {
					rep.Notes = append(rep.Notes, "unmapped headers: "+strings.Join(hr.Unmapped, ", "))
				}
				if len(hr.NoColumn) > 0 {
					rep.Notes = append(rep.Notes, "headers without table column: "+strings.Join(hr.NoColumn, ", "))
				}
			}
			rowsRead++
			rec, inv := e.norm.Normalize(raw)
			if !yield(diff.Item{Row: raw.Index, Record: rec, Invalid: inv}) {
				return
			}
		}
	}

	// Diffing.
	planner := &diff.Planner{
		Sheet: name,
		Chunk: opts.BatchSize,
		Lookup: func(ctx context.Context, tags []string) (map[string]record.Record, error) {
			e.m.emit(Event{State: PerSheet, Phase: Diffing, Sheet: name, Rows: len(tags)})
			return c.Store.FetchExisting(ctx, tags)
		},
		Options: diff.Options{
			UpdateOnly: opts.UpdateOnly,
			Tolerance:  opts.FloatThreshold,
			TagColumn:  e.norm.TagColumn(),
		},
	}
	hasher := diff.NewHasher()
	noColumns := 0
	decisions := func(yield func(diff.Decision) bool) {
		for d := range planner.Plan(ctx, iter.Seq[diff.Item](items)) {
			hasher.Add(d)
			if d.IsWrite() {
				rep.Detected++
			}
			if d.Kind == diff.NoOp && d.Note == diff.NoteNoColumns {
				noColumns++
			}
			if !yield(d) {
				return
			}
		}
	}

	// Batching and executing.
	onInvalid := func(d diff.Decision) {
		rep.Counts.Invalid++
		p.failures = append(p.failures, invalidFailure(d))
	}
	applied := opts.Mode == executor.Apply
	halted := false
	for unit := range batch.Split(decisions, opts.BatchSize, onInvalid) {
		e.m.emit(Event{State: PerSheet, Phase: Batching, Sheet: name, Batch: unit.Index, Rows: len(unit.Decisions)})
		if ctx.Err() != nil {
			break
		}
		if stop.Load() {
			halted = true
			break
		}
		e.m.emit(Event{State: PerSheet, Phase: Executing, Sheet: name, Batch: unit.Index, Rows: len(unit.Decisions)})
		out, err := e.exec.Execute(ctx, unit, opts.Mode)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			break
		}
		rep.Batches++
		rep.Counts.add(out)
		applied = applied && out.Applied
		p.failures = append(p.failures, rowFailures(out)...)
		if err != nil {
			p.fatal = fmt.Errorf("run: sheet %q batch %d: %w", name, unit.Index, err)
			break
		}
	}

	rep.Fingerprint = hasher.Sum()
	if noColumns > 0 {
		rep.Notes = append(rep.Notes, fmt.Sprintf("%d rows: %s", noColumns, diff.NoteNoColumns))
	}
	slices.SortStableFunc(p.failures, func(a, b RowFailure) int { return cmp.Compare(a.Row, b.Row) })

	switch {
	case p.fatal != nil:
		rep.Status, rep.Reason = SheetAborted, p.fatal.Error()
	case readErr != nil && ctx.Err() == nil:
		p.fatal = fmt.Errorf("run: read sheet %q: %w", name, readErr)
		rep.Status, rep.Reason = SheetAborted, readErr.Error()
	case ctx.Err() != nil:
		rep.Status, rep.Reason = SheetAborted, ReasonCancelled
	case halted:
		rep.Status, rep.Reason = SheetAborted, ReasonAborted
	case planner.Err() != nil:
		err := planner.Err()
		if storage.Classify(err) == storage.ConnectionLost {
			p.fatal = fmt.Errorf("%w: %w", executor.ErrConnectionLost, err)
			rep.Status, rep.Reason = SheetAborted, err.Error()
			if rep.Batches == 0 {
				// Nothing of this sheet reached the store.
				p.sheet = SheetReport{Name: name, Status: Skipped, Reason: ReasonAborted}
				p.failures = nil
			}
		} else {
			// The lookup failed for this sheet only; later sheets still run.
			rep.Status, rep.Reason = Failed, err.Error()
		}
	case noTag:
		p.sheet = SheetReport{Name: name, Status: Skipped, Reason: ReasonTagColumnMissing}
	}
	rep.Applied = applied && rep.Status == Processed

	e.logf("stage=sheet sheet=%q status=%s rows=%d batches=%d inserted=%d updated=%d unchanged=%d invalid=%d failed=%d duration=%s",
		name, rep.Status, rowsRead, rep.Batches, rep.Counts.Inserted, rep.Counts.Updated, rep.Counts.Unchanged, rep.Counts.Invalid, rep.Counts.Failed, durMS(start))
	return p
}

// reduce merges partials in source sheet order. Sheets that never started
// are recorded as skipped.
func reduce(rep *Report, sheets []string, parts []*partial) error {
	var fatal error
	for i, name := range sheets {
		p := parts[i]
		if p == nil {
			rep.Sheets = append(rep.Sheets, SheetReport{Name: name, Status: Skipped, Reason: ReasonAborted})
			continue
		}
		rep.Sheets = append(rep.Sheets, p.sheet)
		rep.Failures = append(rep.Failures, p.failures...)
		if p.fatal != nil && fatal == nil {
			fatal = p.fatal
		}
	}
	if rep.Failures == nil {
		rep.Failures = []RowFailure{}
	}
	return fatal
}

func invalidFailure(d diff.Decision) RowFailure {
	reason := d.Reason
	if d.Note != "" {
		reason += " (" + d.Note + ")"
	}
	return RowFailure{
		Sheet:  d.Sheet,
		Row:    d.Row,
		Tag:    d.Tag,
		Kind:   storage.Validation,
		Code:   failure.Lookup(storage.Validation, d.Reason).Code,
		Column: d.Column,
		Value:  d.RawValue,
		Reason: reason,
	}
}

func rowFailures(out executor.Outcome) []RowFailure {
	var fs []RowFailure
	for _, r := range out.Rows {
		if r.Status != executor.Failed {
			continue
		}
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		fs = append(fs, RowFailure{
			Sheet:  r.Decision.Sheet,
			Row:    r.Decision.Row,
			Tag:    r.Decision.Tag,
			Kind:   r.Kind,
			Code:   failure.Lookup(r.Kind, msg).Code,
			Reason: msg,
		})
	}
	return fs
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
