package run

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tagsync/internal/executor"
	"tagsync/internal/mapping"
	"tagsync/internal/record"
	"tagsync/internal/source"
	"tagsync/internal/storage"
	_ "tagsync/internal/storage/sqlite"
)

// memSheet is one in-memory sheet; the header is spreadsheet row 1.
type memSheet struct {
	name    string
	headers []string
	rows    [][]string
	readErr error // returned after the rows
}

type memSource struct{ sheets []memSheet }

var _ source.Provider = (*memSource)(nil)

func (m *memSource) ListSheets(context.Context) ([]string, error) {
	names := make([]string, len(m.sheets))
	for i, s := range m.sheets {
		names[i] = s.name
	}
	return names, nil
}

func (m *memSource) ReadRows(_ context.Context, sheet string) iter.Seq2[record.RawRow, error] {
	return func(yield func(record.RawRow, error) bool) {
		for _, s := range m.sheets {
			if s.name != sheet {
				continue
			}
			for i, r := range s.rows {
				cells := make([]record.Cell, len(r))
				for j, v := range r {
					cells[j] = record.Cell{Text: v}
				}
				if !yield(record.RawRow{Sheet: sheet, Index: i + 2, Headers: s.headers, Cells: cells}, nil) {
					return
				}
			}
			if s.readErr != nil {
				yield(record.RawRow{}, s.readErr)
			}
			return
		}
		yield(record.RawRow{}, source.ErrSheetNotFound)
	}
}

func (m *memSource) Close() error { return nil }

func testMapping(allowed ...string) mapping.Tables {
	sheets := make([][]string, len(allowed))
	for i, s := range allowed {
		sheets[i] = []string{s}
	}
	return mapping.Tables{
		mapping.SheetColumnMapping: {
			Header: []string{"Excel_Header", "SQL_Column"},
			Rows: [][]string{
				{"Tag No.", "Tag Number"},
				{"Area", "Area"},
				{"Design Pressure", "Pressure"},
				{"Installed", "Installed"},
			},
		},
		mapping.SheetAllowedSheets:  {Header: []string{"Sheet_Name"}, Rows: sheets},
		mapping.SheetIgnoredHeaders: {Header: []string{"Header_Name"}, Rows: [][]string{{"Remarks"}}},
	}
}

var headers = []string{"Tag No.", "Area", "Design Pressure", "Installed", "Remarks"}

const ddl = `CREATE TABLE tags (
	"Tag Number" VARCHAR(20) NOT NULL PRIMARY KEY,
	Area VARCHAR(10) NOT NULL,
	Pressure REAL CHECK (Pressure IS NULL OR Pressure >= 0),
	Installed DATE,
	Status TEXT NOT NULL DEFAULT 'new'
)`

func openSQLite(t *testing.T) storage.Store {
	t.Helper()
	return openSQLiteDDL(t, ddl)
}

func openSQLiteDDL(t *testing.T, create string) storage.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tags.db")
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := raw.Exec(create); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err := storage.Open(context.Background(), storage.Config{
		Kind: "sqlite", DSN: path, Table: "tags", TagColumn: "Tag Number", ConnectTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func workbook() *memSource {
	return &memSource{sheets: []memSheet{
		{name: "Equipment", headers: headers, rows: [][]string{
			{"A1", "North", "10.5", "2024-01-15", "x"},
			{"A2", "South", "", "", ""},
			{"", "East", "1", "", ""},
			{"A1", "West", "3", "", ""},
			{"A3", "East", "abc", "", ""},
		}},
		{name: "Scratch", headers: headers, rows: [][]string{{"Z9", "North", "", "", ""}}},
		{name: "Notes", headers: []string{"Comment"}, rows: [][]string{{"hello"}}},
		{name: "Valves", headers: headers, rows: [][]string{
			{"V1", "North", "2", "", ""},
			{"V2", "North", "", "2023-06-01", ""},
		}},
	}}
}

func newCoordinator(st storage.Store, src source.Provider, mode executor.Mode) *Coordinator {
	return &Coordinator{
		Store:   st,
		Source:  src,
		Mapping: testMapping("Equipment", "Notes", "Valves"),
		Options: Options{
			Mode:      mode,
			TagColumn: "Tag Number",
			BatchSize: 2,
			Executor:  executor.Options{Sleep: func(time.Duration) {}},
		},
	}
}

func sheetStatuses(rep *Report) map[string]string {
	out := make(map[string]string, len(rep.Sheets))
	for _, s := range rep.Sheets {
		out[s.Name] = s.Status.String() + "/" + s.Reason
	}
	return out
}

func TestRun_DryRunThenApplyThenIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openSQLite(t)

	dry, err := newCoordinator(st, workbook(), executor.DryRun).Run(ctx)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if dry.State != Done || dry.Committed() != 0 {
		t.Fatalf("dry run: state=%s committed=%d", dry.State, dry.Committed())
	}
	if got, _ := st.FetchExisting(ctx, []string{"A1", "A2", "V1", "V2"}); len(got) != 0 {
		t.Fatalf("dry run wrote %d rows", len(got))
	}

	wantStatus := map[string]string{
		"Equipment": "Processed/",
		"Scratch":   "Skipped/" + ReasonNotAllowed,
		"Notes":     "Skipped/" + ReasonTagColumnMissing,
		"Valves":    "Processed/",
	}
	if diff := cmp.Diff(wantStatus, sheetStatuses(dry)); diff != "" {
		t.Fatalf("sheet statuses (-want +got):\n%s", diff)
	}

	apply, err := newCoordinator(st, workbook(), executor.Apply).Run(ctx)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if apply.Detected() != dry.Detected() || apply.Committed() != dry.Detected() {
		t.Fatalf("detected dry=%d apply=%d committed=%d", dry.Detected(), apply.Detected(), apply.Committed())
	}
	if diff := cmp.Diff(dry.Totals(), apply.Totals()); diff != "" {
		t.Fatalf("totals differ between modes (-dry +apply):\n%s", diff)
	}
	for _, name := range []string{"Equipment", "Valves"} {
		d, _ := dry.Sheet(name)
		a, _ := apply.Sheet(name)
		if d.Fingerprint == "" || d.Fingerprint != a.Fingerprint {
			t.Fatalf("%s fingerprint dry=%q apply=%q", name, d.Fingerprint, a.Fingerprint)
		}
		if d.Applied || !a.Applied {
			t.Fatalf("%s applied dry=%v apply=%v", name, d.Applied, a.Applied)
		}
	}

	want := Counts{Inserted: 4, Invalid: 3}
	if diff := cmp.Diff(want, apply.Totals()); diff != "" {
		t.Fatalf("totals (-want +got):\n%s", diff)
	}

	codes := make(map[int]string)
	for _, f := range apply.Failures {
		if f.Sheet == "Equipment" {
			codes[f.Row] = f.Code
		}
	}
	if diff := cmp.Diff(map[int]string{4: "VAL001", 5: "VAL002", 6: "VAL003"}, codes); diff != "" {
		t.Fatalf("failure codes by row (-want +got):\n%s", diff)
	}

	got, err := st.FetchExisting(ctx, []string{"A1"})
	if err != nil {
		t.Fatalf("FetchExisting: %v", err)
	}
	a1 := got["A1"]
	if v, _ := a1.Get("Area"); v.String() != "North" {
		t.Fatalf("A1 Area=%v; the first occurrence should win", v)
	}

	again, err := newCoordinator(st, workbook(), executor.Apply).Run(ctx)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if again.Detected() != 0 || again.Committed() != 0 {
		t.Fatalf("second apply detected=%d committed=%d", again.Detected(), again.Committed())
	}
	if got := again.Totals().Unchanged; got != 4 {
		t.Fatalf("second apply unchanged=%d, want 4", got)
	}
}

func TestRun_ConstraintFailureIsolatesRow(t *testing.T) {
	t.Parallel()

	st := openSQLite(t)
	src := &memSource{sheets: []memSheet{{name: "Equipment", headers: headers, rows: [][]string{
		{"P1", "North", "1", "", ""},
		{"P2", "North", "-5", "", ""},
		{"P3", "North", "3", "", ""},
	}}}}
	c := newCoordinator(st, src, executor.Apply)
	c.Options.BatchSize = 10

	rep, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sh, _ := rep.Sheet("Equipment")
	if diff := cmp.Diff(Counts{Inserted: 2, Failed: 1}, sh.Counts); diff != "" {
		t.Fatalf("counts (-want +got):\n%s", diff)
	}
	if !sh.Applied {
		t.Fatalf("isolated row failures still leave the sheet applied")
	}
	if len(rep.Failures) != 1 {
		t.Fatalf("failures=%+v", rep.Failures)
	}
	f := rep.Failures[0]
	if f.Row != 3 || f.Tag != "P2" || f.Kind != storage.ConstraintViolation {
		t.Fatalf("failure=%+v", f)
	}

	got, err := st.FetchExisting(context.Background(), []string{"P1", "P2", "P3"})
	if err != nil {
		t.Fatalf("FetchExisting: %v", err)
	}
	if _, ok := got["P2"]; ok || len(got) != 2 {
		t.Fatalf("committed rows=%v", got)
	}
}

func TestRun_UpdateDetected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openSQLite(t)
	first := &memSource{sheets: []memSheet{{name: "Equipment", headers: headers, rows: [][]string{
		{"U1", "North", "1", "", ""},
	}}}}
	if _, err := newCoordinator(st, first, executor.Apply).Run(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	second := &memSource{sheets: []memSheet{{name: "Equipment", headers: headers, rows: [][]string{
		{"U1", "South", "1.0000001", "", ""},
	}}}}
	rep, err := newCoordinator(st, second, executor.Apply).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rep.Totals(); got.Updated != 1 || got.Inserted != 0 {
		t.Fatalf("totals=%+v", got)
	}
	got, _ := st.FetchExisting(ctx, []string{"U1"})
	u1 := got["U1"]
	if v, _ := u1.Get("Area"); v.String() != "South" {
		t.Fatalf("Area=%v", v)
	}
}

func TestRun_CancelStopsBetweenBatches(t *testing.T) {
	t.Parallel()

	st := openSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &memSource{sheets: []memSheet{
		{name: "Equipment", headers: headers, rows: [][]string{
			{"C1", "North", "", "", ""},
			{"C2", "North", "", "", ""},
			{"C3", "North", "", "", ""},
		}},
		{name: "Valves", headers: headers, rows: [][]string{{"C4", "North", "", "", ""}}},
	}}
	c := newCoordinator(st, src, executor.Apply)
	c.Options.BatchSize = 1
	c.Progress = func(e Event) {
		if e.Phase == Batching && e.Batch == 1 {
			cancel()
		}
	}

	rep, err := c.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if rep.State != Aborted || rep.AbortReason != ReasonCancelled {
		t.Fatalf("state=%s reason=%q", rep.State, rep.AbortReason)
	}
	want := map[string]string{
		"Equipment": "Aborted/" + ReasonCancelled,
		"Valves":    "Skipped/" + ReasonAborted,
	}
	if diff := cmp.Diff(want, sheetStatuses(rep)); diff != "" {
		t.Fatalf("statuses (-want +got):\n%s", diff)
	}
	got, _ := st.FetchExisting(context.Background(), []string{"C1", "C2", "C3", "C4"})
	if _, ok := got["C1"]; !ok || len(got) != 1 {
		t.Fatalf("committed=%v, want only C1", got)
	}
	if rep.Totals().Inserted != 1 {
		t.Fatalf("totals=%+v", rep.Totals())
	}
}

func TestRun_ConfigErrorAborts(t *testing.T) {
	t.Parallel()

	st := openSQLite(t)
	c := newCoordinator(st, workbook(), executor.Apply)
	m := testMapping("Equipment")
	tbl := m[mapping.SheetColumnMapping]
	tbl.Rows = tbl.Rows[1:] // drop the tag mapping
	m[mapping.SheetColumnMapping] = tbl
	c.Mapping = m

	var states []State
	c.Progress = func(e Event) {
		if e.Phase == NoPhase {
			states = append(states, e.State)
		}
	}

	rep, err := c.Run(context.Background())
	if !errors.Is(err, mapping.ErrConfig) {
		t.Fatalf("err=%v, want a configuration error", err)
	}
	if rep.State != Aborted || len(rep.Sheets) != 0 || rep.AbortReason == "" {
		t.Fatalf("report=%+v", rep)
	}
	if diff := cmp.Diff([]State{Resolving, Aborted}, states); diff != "" {
		t.Fatalf("states (-want +got):\n%s", diff)
	}
}

func TestRun_TableWithoutTagColumn(t *testing.T) {
	t.Parallel()

	st := &memStore{schema: storage.Schema{Table: "tags", Columns: []storage.Column{{Name: "Area", Type: storage.TypeText}}}}
	c := newCoordinator(st, workbook(), executor.DryRun)
	_, err := c.Run(context.Background())
	var ce *mapping.ConfigError
	if !errors.As(err, &ce) || ce.Kind != mapping.MissingTagMapping {
		t.Fatalf("err=%v", err)
	}
}

// memStore is a concurrency-safe in-memory store. Writes of tags in lostOn
// fail as a dropped connection, and Ping fails once one has.
type memStore struct {
	mu sync.Mutex

	schema    storage.Schema
	rows      map[string]record.Record
	lostOn    map[string]bool
	lookupErr error
	lost      bool
	lookups   int

	// lostAfter drops the connection once that tag commits. With pingLies
	// set, Ping keeps succeeding while lookups fail.
	lostAfter string
	pingLies  bool
}

func (s *memStore) Describe(context.Context) (storage.Schema, error) { return s.schema, nil }

func (s *memStore) FetchExisting(_ context.Context, tags []string) (map[string]record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.lost {
		return nil, &storage.Error{Kind: storage.ConnectionLost, Op: "fetch", Err: errors.New("connection reset by peer")}
	}
	for _, t := range tags {
		if strings.HasPrefix(t, "BAD") && s.lookupErr != nil {
			return nil, s.lookupErr
		}
	}
	out := make(map[string]record.Record)
	for _, t := range tags {
		if r, ok := s.rows[t]; ok {
			out[t] = r
		}
	}
	return out, nil
}

func (s *memStore) Begin(context.Context) (storage.Tx, error) { return &memTx{s: s}, nil }

func (s *memStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost && !s.pingLies {
		return &storage.Error{Kind: storage.ConnectionLost, Op: "ping", Err: errors.New("connection reset by peer")}
	}
	return nil
}

func (s *memStore) Close() {}

type memTx struct {
	s       *memStore
	pending []record.Record
}

func (t *memTx) Insert(_ context.Context, rec record.Record) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.lostOn[rec.Tag] {
		t.s.lost = true
		return &storage.Error{Kind: storage.ConnectionLost, Op: "insert", Err: errors.New("connection reset by peer")}
	}
	t.pending = append(t.pending, rec)
	return nil
}

func (t *memTx) Update(context.Context, string, []record.Field) error { return nil }

func (t *memTx) Commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.rows == nil {
		t.s.rows = make(map[string]record.Record)
	}
	for _, r := range t.pending {
		t.s.rows[r.Tag] = r
		if r.Tag == t.s.lostAfter {
			t.s.lost = true
		}
	}
	t.pending = nil
	return nil
}

func (t *memTx) Rollback() error { t.pending = nil; return nil }

var memSchema = storage.Schema{
	Table:     "tags",
	TagColumn: "Tag Number",
	Columns: []storage.Column{
		{Name: "Tag Number", Type: storage.TypeText},
		{Name: "Area", Type: storage.TypeText, Nullable: true},
		{Name: "Pressure", Type: storage.TypeNumeric, Nullable: true},
		{Name: "Installed", Type: storage.TypeDate, Nullable: true},
	},
}

func TestRun_ConnectionLostAbortsRemainingSheets(t *testing.T) {
	t.Parallel()

	st := &memStore{schema: memSchema, lostOn: map[string]bool{"V1": true}}
	src := &memSource{sheets: []memSheet{
		{name: "Equipment", headers: headers, rows: [][]string{{"E1", "North", "", "", ""}}},
		{name: "Valves", headers: headers, rows: [][]string{{"V1", "North", "", "", ""}}},
		{name: "Instruments", headers: headers, rows: [][]string{{"I1", "North", "", "", ""}}},
	}}
	c := newCoordinator(st, src, executor.Apply)
	c.Mapping = testMapping("Equipment", "Valves", "Instruments")
	c.Options.Executor.MaxRetries = 1

	rep, err := c.Run(context.Background())
	if !errors.Is(err, executor.ErrConnectionLost) {
		t.Fatalf("err=%v, want ErrConnectionLost", err)
	}
	if rep.State != Aborted || rep.AbortReason == "" {
		t.Fatalf("state=%s reason=%q", rep.State, rep.AbortReason)
	}
	if s, _ := rep.Sheet("Equipment"); s.Status != Processed || !s.Applied || s.Counts.Inserted != 1 {
		t.Fatalf("Equipment=%+v", s)
	}
	if s, _ := rep.Sheet("Valves"); s.Status != SheetAborted || s.Counts.Failed != 1 {
		t.Fatalf("Valves=%+v", s)
	}
	if s, _ := rep.Sheet("Instruments"); s.Status != Skipped || s.Reason != ReasonAborted {
		t.Fatalf("Instruments=%+v", s)
	}
	if _, ok := st.rows["E1"]; !ok {
		t.Fatalf("E1 should stay committed")
	}
	if len(rep.Failures) != 1 || rep.Failures[0].Code != "DB005" {
		t.Fatalf("failures=%+v", rep.Failures)
	}
}

func TestRun_ConnectionLostBetweenSheetsSkipsTheRest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pingLies bool
	}{
		{name: "ping_fails_before_next_sheet"},
		{name: "first_lookup_of_next_sheet_fails", pingLies: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			st := &memStore{schema: memSchema, lostAfter: "E1", pingLies: tc.pingLies}
			src := &memSource{sheets: []memSheet{
				{name: "Equipment", headers: headers, rows: [][]string{{"E1", "North", "", "", ""}}},
				{name: "Valves", headers: headers, rows: [][]string{{"V1", "North", "", "", ""}, {"", "North", "", "", ""}}},
				{name: "Instruments", headers: headers, rows: [][]string{{"I1", "North", "", "", ""}}},
			}}
			c := newCoordinator(st, src, executor.Apply)
			c.Mapping = testMapping("Equipment", "Valves", "Instruments")

			rep, err := c.Run(context.Background())
			if !errors.Is(err, executor.ErrConnectionLost) {
				t.Fatalf("err=%v, want ErrConnectionLost", err)
			}
			if rep.State != Aborted || !strings.Contains(rep.AbortReason, "connection reset by peer") {
				t.Fatalf("state=%s reason=%q", rep.State, rep.AbortReason)
			}
			if s, _ := rep.Sheet("Equipment"); s.Status != Processed || !s.Applied || s.Counts.Inserted != 1 {
				t.Fatalf("Equipment=%+v", s)
			}
			want := map[string]string{
				"Equipment":   "Processed/",
				"Valves":      "Skipped/" + ReasonAborted,
				"Instruments": "Skipped/" + ReasonAborted,
			}
			if diff := cmp.Diff(want, sheetStatuses(rep)); diff != "" {
				t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
			}
			if len(rep.Failures) != 0 {
				t.Fatalf("failures=%+v, want none", rep.Failures)
			}
			if _, ok := st.rows["E1"]; !ok {
				t.Fatalf("E1 should stay committed")
			}
		})
	}
}

func TestRun_BlankCellTakesColumnDefault(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openSQLiteDDL(t, `CREATE TABLE tags (
		"Tag Number" VARCHAR(20) NOT NULL PRIMARY KEY,
		Area TEXT NOT NULL DEFAULT 'unknown',
		Pressure REAL,
		Installed DATE
	)`)
	src := func() *memSource {
		return &memSource{sheets: []memSheet{
			{name: "Equipment", headers: headers, rows: [][]string{{"D1", "", "1", "", ""}}},
		}}
	}

	dry, err := newCoordinator(st, src(), executor.DryRun).Run(ctx)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	apply, err := newCoordinator(st, src(), executor.Apply).Run(ctx)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	want := Counts{Inserted: 1}
	if diff := cmp.Diff(want, dry.Totals()); diff != "" {
		t.Fatalf("dry totals mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, apply.Totals()); diff != "" {
		t.Fatalf("apply totals mismatch (-want +got):\n%s; failures=%+v", diff, apply.Failures)
	}
	ds, _ := dry.Sheet("Equipment")
	as, _ := apply.Sheet("Equipment")
	if ds.Fingerprint != as.Fingerprint {
		t.Fatalf("fingerprints differ: dry=%s apply=%s", ds.Fingerprint, as.Fingerprint)
	}

	got, err := st.FetchExisting(ctx, []string{"D1"})
	if err != nil {
		t.Fatalf("FetchExisting: %v", err)
	}
	if v, _ := got["D1"].Get("Area"); v.String() != "unknown" {
		t.Fatalf("Area=%q, want column default", v.String())
	}
}

func TestRun_LookupFailureFailsOnlyThatSheet(t *testing.T) {
	t.Parallel()

	st := &memStore{schema: memSchema, lookupErr: errors.New("invalid object name")}
	src := &memSource{sheets: []memSheet{
		{name: "Equipment", headers: headers, rows: [][]string{{"BAD1", "North", "", "", ""}}},
		{name: "Valves", headers: headers, rows: [][]string{{"V1", "North", "", "", ""}}},
	}}
	rep, err := newCoordinator(st, src, executor.Apply).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s, _ := rep.Sheet("Equipment"); s.Status != Failed || !strings.Contains(s.Reason, "invalid object name") {
		t.Fatalf("Equipment=%+v", s)
	}
	if s, _ := rep.Sheet("Valves"); s.Status != Processed || s.Counts.Inserted != 1 {
		t.Fatalf("Valves=%+v", s)
	}
}

func TestRun_ReadErrorAborts(t *testing.T) {
	t.Parallel()

	st := &memStore{schema: memSchema}
	src := &memSource{sheets: []memSheet{
		{name: "Equipment", headers: headers, rows: [][]string{{"E1", "North", "", "", ""}}, readErr: errors.New("zip: checksum error")},
		{name: "Valves", headers: headers, rows: [][]string{{"V1", "North", "", "", ""}}},
	}}
	c := newCoordinator(st, src, executor.Apply)
	c.Mapping = testMapping("Equipment", "Valves")

	rep, err := c.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Fatalf("err=%v", err)
	}
	want := map[string]string{
		"Equipment": "Aborted/zip: checksum error",
		"Valves":    "Skipped/" + ReasonAborted,
	}
	if diff := cmp.Diff(want, sheetStatuses(rep)); diff != "" {
		t.Fatalf("statuses (-want +got):\n%s", diff)
	}
}

func TestRun_ParallelSheetsKeepSourceOrder(t *testing.T) {
	t.Parallel()

	st := &memStore{schema: memSchema}
	var sheets []memSheet
	var names []string
	for _, n := range []string{"S1", "S2", "S3", "S4", "S5"} {
		names = append(names, n)
		sheets = append(sheets, memSheet{name: n, headers: headers, rows: [][]string{
			{n + "-a", "North", "", "", ""},
			{n + "-b", "North", "", "", ""},
			{n + "-c", "North", "", "", ""},
		}})
	}
	c := newCoordinator(st, &memSource{sheets: sheets}, executor.Apply)
	c.Mapping = testMapping(names...)
	c.Options.SheetParallelism = 3

	started := 0
	c.Progress = func(e Event) {
		// Events are serialized by the coordinator.
		if e.Phase == Normalizing {
			started++
		}
	}

	rep, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var got []string
	for _, s := range rep.Sheets {
		got = append(got, s.Name)
		if s.Counts.Inserted != 3 || s.Batches != 2 {
			t.Fatalf("%s=%+v", s.Name, s)
		}
	}
	if diff := cmp.Diff(names, got); diff != "" {
		t.Fatalf("sheet order (-want +got):\n%s", diff)
	}
	if len(st.rows) != 15 {
		t.Fatalf("rows=%d, want 15", len(st.rows))
	}
	if started != len(names) {
		t.Fatalf("started=%d sheets, want %d", started, len(names))
	}
}

func TestRun_StateSequence(t *testing.T) {
	t.Parallel()

	st := &memStore{schema: memSchema}
	c := newCoordinator(st, workbook(), executor.DryRun)
	var states []State
	c.Progress = func(e Event) {
		if e.Phase == NoPhase {
			states = append(states, e.State)
		}
	}
	rep, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]State{Resolving, PerSheet, Aggregating, Done}, states); diff != "" {
		t.Fatalf("states (-want +got):\n%s", diff)
	}
	if rep.RunID == "" || rep.FinishedAt.Before(rep.StartedAt) {
		t.Fatalf("report=%+v", rep)
	}
}

func TestState_CanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		want     bool
	}{
		{Idle, Resolving, true},
		{Idle, PerSheet, false},
		{Resolving, PerSheet, true},
		{Resolving, Aborted, true},
		{PerSheet, Aggregating, true},
		{PerSheet, Done, false},
		{Aggregating, Done, true},
		{Aggregating, Aborted, true},
		{Done, Aborted, false},
		{Aborted, Resolving, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMachine_PanicsOnIllegalTransition(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	m := &machine{}
	m.to(Done)
}
