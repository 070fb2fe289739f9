package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"tagsync/internal/config"
	"tagsync/internal/mapping"
	"tagsync/internal/metrics/datadog"
	"tagsync/internal/record"
	"tagsync/internal/report"
	"tagsync/internal/run"
	"tagsync/internal/source"
	"tagsync/internal/storage"
)

// fakeStore counts Ping and Close calls. It is never written to.
type fakeStore struct {
	pingErr error
	pings   atomic.Int64
	closed  atomic.Int64
}

func (s *fakeStore) Describe(context.Context) (storage.Schema, error) {
	return storage.Schema{}, errors.New("fakeStore: Describe not supported")
}

func (s *fakeStore) FetchExisting(context.Context, []string) (map[string]record.Record, error) {
	return nil, errors.New("fakeStore: FetchExisting not supported")
}

func (s *fakeStore) Begin(context.Context) (storage.Tx, error) {
	return nil, errors.New("fakeStore: Begin not supported")
}

func (s *fakeStore) Ping(context.Context) error {
	s.pings.Add(1)
	return s.pingErr
}

func (s *fakeStore) Close() { s.closed.Add(1) }

type emptySource struct{}

func (emptySource) ListSheets(context.Context) ([]string, error) { return nil, nil }
func (emptySource) ReadRows(context.Context, string) iter.Seq2[record.RawRow, error] {
	return func(func(record.RawRow, error) bool) {}
}
func (emptySource) Close() error { return nil }

// fakeMetricsBackend is a deterministic metrics backend used by initMetrics tests.
type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func baseEnv(dsn string) map[string]string {
	return map[string]string{
		"STORE_KIND": "sqlite",
		"DB_DSN":     dsn,
		"DB_TABLE":   "tags",
		"TAG_COLUMN": "Tag Number",
		"BATCH_SIZE": "2",
		"LOG_LEVEL":  "error",
	}
}

// failingDeps returns seams that fail the test when called.
func failingDeps(t *testing.T) appDeps {
	return appDeps{
		loadEnv: func(...string) error {
			t.Fatalf("loadEnv must not be called on usage errors")
			return nil
		},
		getenv: func(string) string {
			t.Fatalf("getenv must not be called on usage errors")
			return ""
		},
		initMetrics: func(context.Context, string, config.MetricsConfig) (func(), error) {
			t.Fatalf("initMetrics must not be called on usage errors")
			return func() {}, nil
		},
		openStore: func(context.Context, storage.Config) (storage.Store, error) {
			t.Fatalf("openStore must not be called on usage errors")
			return nil, nil
		},
		openSource: func(string) (source.Provider, error) {
			t.Fatalf("openSource must not be called on usage errors")
			return nil, nil
		},
		openMapping: func(string) (mapping.Source, func() error, error) {
			t.Fatalf("openMapping must not be called on usage errors")
			return nil, nil, nil
		},
		now: time.Now,
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{"missing_input", []string{}, "missing -input"},
		{"blank_input", []string{"-input", "   "}, "missing -input"},
		{"unknown_flag", []string{"-nope"}, "flag provided but not defined"},
		{"extra_args", []string{"-input", "a.xlsx", "b.xlsx"}, "unexpected arguments: b.xlsx"},
		{"ping_with_apply", []string{"-ping", "-apply"}, "-ping cannot be combined"},
		{"inspect_with_apply", []string{"-input", "a.xlsx", "-inspect", "-apply"}, "-inspect cannot be combined"},
		{"negative_sample", []string{"-input", "a.xlsx", "-inspect-rows", "-1"}, "-inspect-rows must not be negative"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, failingDeps(t))

			if code != exitUsage {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, exitUsage, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if !strings.Contains(stderr.String(), "usage: tagsync") {
				t.Fatalf("stderr=%q, want usage line", stderr.String())
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

// The remaining runMain tests reach logging.Setup, which replaces the
// process-wide slog default, so they do not run in parallel.

func TestRunMain_ErrorPrecedence(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		env            map[string]string
		loadEnvErr     error
		initMetricsErr error
		openStoreErr   error
		openSourceErr  error
		openMappingErr error

		wantStderrSub    string
		wantCleanupCalls int64
		wantStoreClosed  int64
	}{
		{
			name:          "env_file_error",
			args:          []string{"-input", "in.xlsx", "-env-file", "missing.env"},
			loadEnvErr:    errors.New("no such file"),
			wantStderrSub: "load env file:",
		},
		{
			name:          "config_error",
			args:          []string{"-input", "in.xlsx"},
			env:           map[string]string{"STORE_KIND": "sqlite"},
			wantStderrSub: "config:",
		},
		{
			name:           "init_metrics_error",
			args:           []string{"-input", "in.xlsx"},
			initMetricsErr: errors.New("metrics unavailable"),
			wantStderrSub:  "init metrics:",
		},
		{
			name:             "open_store_error",
			args:             []string{"-input", "in.xlsx"},
			openStoreErr:     errors.New("login failed"),
			wantStderrSub:    "open store: login failed",
			wantCleanupCalls: 1,
		},
		{
			name:             "open_input_error",
			args:             []string{"-input", "in.xlsx"},
			openSourceErr:    errors.New("not a zip file"),
			wantStderrSub:    "open input: not a zip file",
			wantCleanupCalls: 1,
			wantStoreClosed:  1,
		},
		{
			name:             "open_mapping_error",
			args:             []string{"-input", "in.xlsx"},
			openMappingErr:   errors.New("no Script_Config.xlsx"),
			wantStderrSub:    "open mapping: no Script_Config.xlsx",
			wantCleanupCalls: 1,
			wantStoreClosed:  1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := tc.env
			if env == nil {
				env = baseEnv(filepath.Join(t.TempDir(), "tags.db"))
			}

			var (
				stdout, stderr bytes.Buffer
				cleanupCalls   atomic.Int64
			)
			st := &fakeStore{}
			code := runMain(context.Background(), tc.args, &stdout, &stderr, appDeps{
				loadEnv: func(...string) error { return tc.loadEnvErr },
				getenv:  envMap(env),
				initMetrics: func(context.Context, string, config.MetricsConfig) (func(), error) {
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls.Add(1) }, nil
				},
				openStore: func(context.Context, storage.Config) (storage.Store, error) {
					if tc.openStoreErr != nil {
						return nil, tc.openStoreErr
					}
					return st, nil
				},
				openSource: func(string) (source.Provider, error) {
					if tc.openSourceErr != nil {
						return nil, tc.openSourceErr
					}
					return emptySource{}, nil
				},
				openMapping: func(string) (mapping.Source, func() error, error) {
					return nil, nil, tc.openMappingErr
				},
				now: time.Now,
			})

			if code != exitFatal {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, exitFatal, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
			if got := st.closed.Load(); got != tc.wantStoreClosed {
				t.Fatalf("store closed=%d, want %d", got, tc.wantStoreClosed)
			}
		})
	}
}

func TestRunMain_Ping(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		wantCode int
		wantOut  string
	}{
		{name: "ok", wantCode: exitOK, wantOut: "ok\n"},
		{name: "unreachable", pingErr: errors.New("dial tcp: timeout"), wantCode: exitFatal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			st := &fakeStore{pingErr: tc.pingErr}
			deps := failingDeps(t)
			deps.loadEnv = func(...string) error { return nil }
			deps.getenv = envMap(baseEnv(filepath.Join(t.TempDir(), "tags.db")))
			deps.initMetrics = func(context.Context, string, config.MetricsConfig) (func(), error) { return func() {}, nil }
			deps.openStore = func(context.Context, storage.Config) (storage.Store, error) { return st, nil }

			code := runMain(context.Background(), []string{"-ping"}, &stdout, &stderr, deps)
			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if stdout.String() != tc.wantOut {
				t.Fatalf("stdout=%q, want %q", stdout.String(), tc.wantOut)
			}
			if st.pings.Load() != 1 || st.closed.Load() != 1 {
				t.Fatalf("pings=%d closed=%d, want 1 1", st.pings.Load(), st.closed.Load())
			}
		})
	}
}

// writeBook saves a workbook whose sheets hold rows, in order.
func writeBook(t *testing.T, path string, sheets []string, data map[string][][]any) {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()
	for i, name := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				t.Fatalf("SetSheetName: %v", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			t.Fatalf("NewSheet: %v", err)
		}
		for r, row := range data[name] {
			cell, _ := excelize.CoordinatesToCellName(1, r+1)
			if err := f.SetSheetRow(name, cell, &row); err != nil {
				t.Fatalf("SetSheetRow: %v", err)
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
}

type fixture struct {
	dir, input, db string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	fx := fixture{dir: dir, input: filepath.Join(dir, "Tags.xlsx"), db: filepath.Join(dir, "tags.db")}

	raw, err := sql.Open("sqlite", fx.db)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Exec(`CREATE TABLE tags (
		"Tag Number" VARCHAR(20) NOT NULL PRIMARY KEY,
		Area VARCHAR(10) NOT NULL,
		Pressure REAL
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	writeBook(t, fx.input, []string{"Equipment", "Scratch"}, map[string][][]any{
		"Equipment": {
			{"Tag No.", "Area", "Design Pressure", "Remarks"},
			{"A1", "North", 10, "x"},
			{"A2", "South", "abc", ""},
			{"A3", "East", 2.5, ""},
		},
		"Scratch": {{"anything"}, {"1"}},
	})
	writeBook(t, filepath.Join(dir, defaultMappingFile),
		[]string{mapping.SheetColumnMapping, mapping.SheetAllowedSheets, mapping.SheetIgnoredHeaders},
		map[string][][]any{
			mapping.SheetColumnMapping: {
				{"Excel_Header", "SQL_Column"},
				{"Tag No.", "Tag Number"},
				{"Area", "Area"},
				{"Design Pressure", "Pressure"},
			},
			mapping.SheetAllowedSheets:  {{"Sheet_Name"}, {"Equipment"}},
			mapping.SheetIgnoredHeaders: {{"Header_Name"}, {"Remarks"}},
		})
	return fx
}

func (fx fixture) deps(now time.Time) appDeps {
	d := defaultDeps()
	d.loadEnv = func(...string) error { return nil }
	d.getenv = envMap(baseEnv(fx.db))
	d.now = func() time.Time { return now }
	return d
}

func (fx fixture) count(t *testing.T) int {
	t.Helper()
	raw, err := sql.Open("sqlite", fx.db)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer raw.Close()
	var n int
	if err := raw.QueryRow(`SELECT COUNT(*) FROM tags`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestRunMain_DryRunThenApply(t *testing.T) {
	fx := newFixture(t)
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	ctx := context.Background()

	var stdout, stderr bytes.Buffer
	code := runMain(ctx, []string{"-input", fx.input}, &stdout, &stderr, fx.deps(now))
	if code != exitFailures {
		t.Fatalf("dry run exit=%d, want %d; stderr=%q", code, exitFailures, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Equipment") || !strings.Contains(stdout.String(), "dry_run") {
		t.Fatalf("summary=%q", stdout.String())
	}
	if n := fx.count(t); n != 0 {
		t.Fatalf("rows after dry run=%d, want 0", n)
	}

	stdout.Reset()
	stderr.Reset()
	code = runMain(ctx, []string{"-input", fx.input, "-apply", "-json", "-error-report"}, &stdout, &stderr, fx.deps(now))
	if code != exitFailures {
		t.Fatalf("apply exit=%d, want %d; stderr=%q", code, exitFailures, stderr.String())
	}

	var got struct {
		State  string `json:"state"`
		Mode   string `json:"mode"`
		Sheets []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
			Counts struct {
				Inserted int `json:"inserted"`
				Invalid  int `json:"invalid"`
			} `json:"counts"`
		} `json:"sheets"`
		Failures []struct {
			Row  int    `json:"row"`
			Code string `json:"code"`
		} `json:"failures"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode json report: %v\n%s", err, stdout.String())
	}
	if got.State != run.Done.String() || len(got.Sheets) != 2 {
		t.Fatalf("report=%+v", got)
	}
	eq := got.Sheets[0]
	if eq.Name != "Equipment" || eq.Counts.Inserted != 2 || eq.Counts.Invalid != 1 {
		t.Fatalf("Equipment=%+v", eq)
	}
	if got.Sheets[1].Status != run.Skipped.String() {
		t.Fatalf("Scratch status=%q, want Skipped", got.Sheets[1].Status)
	}
	if len(got.Failures) != 1 || got.Failures[0].Row != 3 {
		t.Fatalf("failures=%+v", got.Failures)
	}
	if n := fx.count(t); n != 2 {
		t.Fatalf("rows after apply=%d, want 2", n)
	}

	path := report.ErrorReportPath(fx.input, now)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("error report: %v", err)
	}
	if !strings.Contains(stderr.String(), "error report: "+path) {
		t.Fatalf("stderr=%q, want error report path", stderr.String())
	}
}

func TestRunMain_Inspect(t *testing.T) {
	fx := newFixture(t)

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-input", fx.input, "-inspect"}, &stdout, &stderr, fx.deps(time.Now()))
	if code != exitOK {
		t.Fatalf("exit=%d, want 0; stderr=%q", code, stderr.String())
	}
	for _, want := range []string{
		`sheet "Equipment": rows=3 valid=2 duplicate_tags=0`,
		"invalid type mismatch: 1",
		`sheet "Scratch": not allowed`,
	} {
		if !strings.Contains(stdout.String(), want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout.String())
		}
	}
	if n := fx.count(t); n != 0 {
		t.Fatalf("inspect wrote %d rows", n)
	}
}

func TestRunMain_MappingDocument(t *testing.T) {
	fx := newFixture(t)
	doc := filepath.Join(fx.dir, "mapping.yaml")
	body := `column_mapping:
  - {excel_header: "Tag No.", sql_column: "Tag Number"}
  - {excel_header: "Area", sql_column: "Area"}
  - {excel_header: "Design Pressure", sql_column: "Pressure"}
allowed_sheets: [Equipment]
ignored_headers: [Remarks]
`
	if err := os.WriteFile(doc, []byte(body), 0o644); err != nil {
		t.Fatalf("write mapping: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-input", fx.input, "-mapping", doc, "-apply"}, &stdout, &stderr, fx.deps(time.Now()))
	if code != exitFailures {
		t.Fatalf("exit=%d, want %d; stderr=%q", code, exitFailures, stderr.String())
	}
	if n := fx.count(t); n != 2 {
		t.Fatalf("rows=%d, want 2", n)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		rep    *run.Report
		runErr error
		want   int
	}{
		{"done_clean", &run.Report{State: run.Done}, nil, exitOK},
		{"done_with_failures", &run.Report{State: run.Done, Failures: []run.RowFailure{{Row: 2}}}, nil, exitFailures},
		{"aborted", &run.Report{State: run.Aborted}, nil, exitFatal},
		{"run_error", &run.Report{State: run.Aborted}, errors.New("connection lost"), exitFatal},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var stderr bytes.Buffer
			if got := exitCode(tc.rep, tc.runErr, &stderr); got != tc.want {
				t.Fatalf("exitCode=%d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMappingPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if got, want := defaultMappingPath(filepath.Join(dir, "Tags.xlsx")), filepath.Join(dir, defaultMappingFile); got != want {
		t.Fatalf("file input: got %q, want %q", got, want)
	}
	if got, want := defaultMappingPath(dir), filepath.Join(dir, defaultMappingFile); got != want {
		t.Fatalf("dir input: got %q, want %q", got, want)
	}
}

func TestInitMetrics_NoneIsNoop(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(any) {
		t.Fatalf("setMetricsBackend must not be called for none")
	}

	for _, name := range []string{"", "none", "NOOP"} {
		cleanup, err := initMetrics(context.Background(), "job", config.MetricsConfig{Backend: name})
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v, want nil", name, err)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil, want non-nil")
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}

	var (
		newCalls atomic.Int64
		setCalls atomic.Int64
		gotOpts  datadog.Options
	)

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	}()

	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(any) { setCalls.Add(1) }

	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	mc := config.MetricsConfig{Backend: "datadog", Tags: []string{"site:north"}, FlushEvery: 10 * time.Second}
	cleanup, err := initMetrics(context.Background(), "tagsync", mc)
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}

	if gotOpts.JobName != "tagsync" || gotOpts.FlushEvery != 10*time.Second || len(gotOpts.Tags) != 1 {
		t.Fatalf("datadog options=%+v", gotOpts)
	}
	if newCalls.Load() != 1 || setCalls.Load() != 1 {
		t.Fatalf("new=%d set=%d, want 1 1", newCalls.Load(), setCalls.Load())
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	}()

	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(any) {}

	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), "job", config.MetricsConfig{Backend: "dd"})
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error") || !strings.Contains(logged.String(), "flush failed") {
		t.Fatalf("log=%q, want close error", logged.String())
	}
}

func TestInitMetrics_Datadog_InitError(t *testing.T) {
	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()

	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) {
		return nil, errors.New("missing DD_API_KEY")
	}
	setMetricsBackend = func(any) { t.Fatalf("setMetricsBackend must not be called after init failure") }

	cleanup, err := initMetrics(context.Background(), "job", config.MetricsConfig{Backend: "datadog"})
	if err == nil || !strings.Contains(err.Error(), "missing DD_API_KEY") {
		t.Fatalf("err=%v, want init error", err)
	}
	cleanup()
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	t.Parallel()

	cleanup, err := initMetrics(context.Background(), "job", config.MetricsConfig{Backend: "nope"})
	if err == nil {
		t.Fatalf("initMetrics err=nil, want error")
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()
}
