// Command tagsync imports equipment tags from a workbook into a relational
// table. It is a dry run unless -apply is given.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"tagsync/internal/config"
	"tagsync/internal/executor"
	"tagsync/internal/logging"
	"tagsync/internal/mapping"
	"tagsync/internal/normalize"
	"tagsync/internal/probe"
	"tagsync/internal/report"
	"tagsync/internal/run"
	"tagsync/internal/source"
	"tagsync/internal/source/csv"
	"tagsync/internal/source/xlsx"
	"tagsync/internal/storage"

	// register all backends with the storage factory.
	// STORE_KIND picks one at runtime.
	_ "tagsync/internal/storage/all"
)

// Exit codes.
const (
	exitOK       = 0
	exitFatal    = 1
	exitUsage    = 2
	exitFailures = 3
)

// defaultMappingFile is looked up next to the input when -mapping is empty.
const defaultMappingFile = "Script_Config.xlsx"

const usageLine = "usage: tagsync -input <workbook.xlsx|file.csv|dir> [-mapping path] [-apply] [-strict] [-error-report] [-json] [-inspect] [-env-file path] | tagsync -ping"

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	loadEnv     func(files ...string) error
	getenv      func(string) string
	initMetrics func(ctx context.Context, job string, mc config.MetricsConfig) (func(), error)
	openStore   func(ctx context.Context, cfg storage.Config) (storage.Store, error)
	openSource  func(path string) (source.Provider, error)
	openMapping func(path string) (mapping.Source, func() error, error)
	now         func() time.Time
}

func defaultDeps() appDeps {
	return appDeps{
		loadEnv:     godotenv.Load,
		getenv:      os.Getenv,
		initMetrics: initMetrics,
		openStore:   storage.Open,
		openSource:  openSource,
		openMapping: openMapping,
		now:         time.Now,
	}
}

type cliFlags struct {
	input       string
	mapping     string
	envFile     string
	apply       bool
	strict      bool
	errorReport bool
	jsonOut     bool
	ping        bool
	inspect     bool
	sample      int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (cliFlags, error) {
	var f cliFlags
	fset := flag.NewFlagSet("tagsync", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.StringVar(&f.input, "input", "", "workbook (.xlsx/.xlsm), CSV file, or directory of CSV files")
	fset.StringVar(&f.mapping, "mapping", "", "mapping workbook or .yaml/.toml/.json document (default: "+defaultMappingFile+" next to -input)")
	fset.StringVar(&f.envFile, "env-file", "", "load environment from this file (default: .env when present)")
	fset.BoolVar(&f.apply, "apply", false, "write changes; without it the run is a dry run")
	fset.BoolVar(&f.strict, "strict", false, "reject rows with values under unmapped headers (overrides STRICT_HEADERS)")
	fset.BoolVar(&f.errorReport, "error-report", false, "write an xlsx error report next to -input when rows fail")
	fset.BoolVar(&f.jsonOut, "json", false, "print the run report as JSON")
	fset.BoolVar(&f.ping, "ping", false, "check the database connection and exit")
	fset.BoolVar(&f.inspect, "inspect", false, "report header coverage and tag uniqueness without writing")
	fset.IntVar(&f.sample, "inspect-rows", 0, "rows sampled per sheet by -inspect (0: all)")

	if err := fset.Parse(args); err != nil {
		return f, err
	}
	f.input = strings.TrimSpace(f.input)
	f.mapping = strings.TrimSpace(f.mapping)
	switch {
	case fset.NArg() > 0:
		return f, fmt.Errorf("unexpected arguments: %s", strings.Join(fset.Args(), " "))
	case f.ping && (f.apply || f.inspect):
		return f, errors.New("-ping cannot be combined with -apply or -inspect")
	case f.apply && f.inspect:
		return f, errors.New("-inspect cannot be combined with -apply")
	case !f.ping && f.input == "":
		return f, errors.New("missing -input")
	case f.sample < 0:
		return f, errors.New("-inspect-rows must not be negative")
	}
	return f, nil
}

// runMain is main without process globals. It returns the exit code.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		fmt.Fprintln(stderr, usageLine)
		return exitUsage
	}

	if f.envFile != "" {
		if err := deps.loadEnv(f.envFile); err != nil {
			fmt.Fprintf(stderr, "load env file: %v\n", err)
			return exitFatal
		}
	} else if err := deps.loadEnv(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "load .env: %v\n", err)
		return exitFatal
	}

	cfg, err := config.LoadFrom(deps.getenv)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitFatal
	}
	if f.strict {
		cfg.Import.Strict = true
	}

	logger, closeLog := logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Stderr:     stderr,
	})
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(stderr, "close log file: %v\n", err)
		}
	}()
	logger.Debug("config loaded", "config", cfg.String())

	cleanup, err := deps.initMetrics(ctx, "tagsync", cfg.Metrics)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return exitFatal
	}
	defer cleanup()

	st, err := deps.openStore(ctx, cfg.Store())
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return exitFatal
	}
	defer st.Close()

	if f.ping {
		return ping(ctx, st, cfg.Database.ConnectTimeout, stdout, stderr)
	}

	src, err := deps.openSource(f.input)
	if err != nil {
		fmt.Fprintf(stderr, "open input: %v\n", err)
		return exitFatal
	}
	defer src.Close()

	mappingPath := f.mapping
	if mappingPath == "" {
		mappingPath = defaultMappingPath(f.input)
	}
	ms, closeMapping, err := deps.openMapping(mappingPath)
	if err != nil {
		fmt.Fprintf(stderr, "open mapping: %v\n", err)
		return exitFatal
	}
	if closeMapping != nil {
		defer closeMapping()
	}

	if f.inspect {
		return inspect(ctx, st, src, ms, cfg, f.sample, stdout, stderr)
	}

	mode := executor.DryRun
	if f.apply {
		mode = executor.Apply
	}

	runID := uuid.NewString()
	ctx = logging.WithRun(ctx, runID)
	rl := logging.FromContext(ctx)

	c := &run.Coordinator{
		Store:   st,
		Source:  src,
		Mapping: ms,
		Logger:  logging.Printf(rl),
		Options: runOptions(cfg, mode, runID, logging.Printf(rl)),
		Progress: func(e run.Event) {
			rl.Debug("progress", "state", e.State, "phase", e.Phase, "sheet", e.Sheet, "batch", e.Batch, "rows", e.Rows)
		},
	}

	rep, runErr := c.Run(ctx)
	if rep == nil {
		fmt.Fprintf(stderr, "run: %v\n", runErr)
		return exitFatal
	}

	if f.jsonOut {
		err = report.JSON(stdout, rep)
	} else {
		err = report.Summary(stdout, rep)
	}
	if err != nil {
		fmt.Fprintf(stderr, "write report: %v\n", err)
		return exitFatal
	}

	if f.errorReport && rep.HasFailures() {
		path := report.ErrorReportPath(f.input, deps.now())
		if err := report.WriteErrorWorkbook(path, rep); err != nil {
			fmt.Fprintf(stderr, "error report: %v\n", err)
			return exitFatal
		}
		fmt.Fprintf(stderr, "error report: %s\n", path)
	}

	return exitCode(rep, runErr, stderr)
}

func exitCode(rep *run.Report, runErr error, stderr io.Writer) int {
	switch {
	case runErr != nil:
		fmt.Fprintf(stderr, "run: %v\n", runErr)
		return exitFatal
	case rep.State != run.Done:
		return exitFatal
	case rep.HasFailures():
		return exitFailures
	}
	return exitOK
}

func runOptions(cfg *config.Config, mode executor.Mode, runID string, l executor.Logger) run.Options {
	return run.Options{
		Mode:             mode,
		BatchSize:        cfg.Import.BatchSize,
		Strict:           cfg.Import.Strict,
		UpdateOnly:       cfg.Import.UpdateOnly,
		TagColumn:        cfg.Database.TagColumn,
		FoldCase:         cfg.Import.FoldHeaderCase,
		FloatThreshold:   cfg.Import.FloatThreshold,
		DateLayouts:      cfg.Import.DateLayouts,
		SheetParallelism: cfg.Import.SheetParallelism,
		RunID:            runID,
		Executor: executor.Options{
			BatchTimeout: cfg.Import.BatchTimeout,
			MaxRetries:   cfg.Import.RetryMax,
			Backoff:      cfg.Import.RetryBackoff,
			MaxBackoff:   cfg.Import.RetryMaxBackoff,
			Logger:       l,
		},
	}
}

func ping(ctx context.Context, st storage.Store, timeout time.Duration, stdout, stderr io.Writer) int {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	if err := st.Ping(pctx); err != nil {
		fmt.Fprintf(stderr, "ping: %v\n", err)
		return exitFatal
	}
	slog.Info("ping ok", "duration", time.Since(start).Truncate(time.Millisecond))
	fmt.Fprintln(stdout, "ok")
	return exitOK
}

func inspect(ctx context.Context, st storage.Store, src source.Provider, ms mapping.Source, cfg *config.Config, sample int, stdout, stderr io.Writer) int {
	mc, err := mapping.Resolve(ctx, ms, mapping.Options{TagColumn: cfg.Database.TagColumn, FoldCase: cfg.Import.FoldHeaderCase})
	if err != nil {
		fmt.Fprintf(stderr, "mapping: %v\n", err)
		return exitFatal
	}
	schema, err := st.Describe(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "describe table: %v\n", err)
		return exitFatal
	}
	norm := normalize.New(mc, schema, normalize.Options{
		Strict:      cfg.Import.Strict,
		TagColumn:   cfg.Database.TagColumn,
		DateLayouts: cfg.Import.DateLayouts,
	})

	res, err := probe.Run(ctx, src, mc, norm, probe.Options{SampleRows: sample})
	if err != nil {
		fmt.Fprintf(stderr, "inspect: %v\n", err)
		return exitFatal
	}
	if err := probe.Format(stdout, res); err != nil {
		fmt.Fprintf(stderr, "inspect: %v\n", err)
		return exitFatal
	}
	return exitOK
}

// openSource picks a provider by input shape: a directory or .csv file reads
// CSV, anything else is opened as a workbook.
func openSource(path string) (source.Provider, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() || strings.EqualFold(filepath.Ext(path), ".csv") {
		d, err := csv.Open(path, csv.Options{TrimSpace: true})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	wb, err := xlsx.Open(path)
	if err != nil {
		return nil, err
	}
	return wb, nil
}

// openMapping opens a mapping document or workbook. The returned close func
// may be nil.
func openMapping(path string) (mapping.Source, func() error, error) {
	if mapping.IsDocument(path) {
		if _, err := os.Stat(path); err != nil {
			return nil, nil, err
		}
		return mapping.FileSource{Path: path}, nil, nil
	}
	wb, err := xlsx.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return wb, wb.Close, nil
}

func defaultMappingPath(input string) string {
	dir := filepath.Dir(input)
	if info, err := os.Stat(input); err == nil && info.IsDir() {
		dir = input
	}
	return filepath.Join(dir, defaultMappingFile)
}
