// Package logging provides structured logging configuration using log/slog.
//
// The engine packages log through a minimal Printf interface; Printf adapts
// a slog.Logger to it so the key=value stage lines land in the same handler.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup.
type Options struct {
	Level  string // debug, info, warn, error (default: info)
	Format string // text or json (default: text)

	// File, when set, receives a copy of every entry and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Stderr overrides os.Stderr, for tests.
	Stderr io.Writer
}

// Setup configures the global slog logger and returns it together with a
// function that closes the log file, if any.
func Setup(opts Options) (*slog.Logger, func() error) {
	var w io.Writer = os.Stderr
	if opts.Stderr != nil {
		w = opts.Stderr
	}

	closer := func() error { return nil }
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(w, lj)
		closer = lj.Close
	}

	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l, closer
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ctxKey struct{}

// WithRun returns a context whose logger carries run_id.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, FromContext(ctx).With("run_id", runID))
}

// FromContext returns the logger attached by WithRun, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// PrintfLogger adapts a slog.Logger to the Printf interface the engine
// packages accept. Every line is logged at Info.
type PrintfLogger struct {
	l *slog.Logger
}

// Printf wraps l.
func Printf(l *slog.Logger) PrintfLogger {
	if l == nil {
		l = slog.Default()
	}
	return PrintfLogger{l: l}
}

func (p PrintfLogger) Printf(format string, v ...any) {
	p.l.Info(strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"))
}
