package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"tagsync/internal/config"
	"tagsync/internal/metrics"
	"tagsync/internal/metrics/datadog"
)

// metricsBackend is the part of a buffered backend the CLI owns.
type metricsBackend interface {
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

// initMetrics wires the configured backend into the metrics package. The
// returned cleanup is never nil and flushes buffered series once.
func initMetrics(ctx context.Context, job string, mc config.MetricsConfig) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(mc.Backend)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		// Close submits what is left, so the backend outlives ctx.
		b, err := newDatadogBackend(context.WithoutCancel(ctx), datadog.Options{
			JobName:    job,
			Tags:       mc.Tags,
			FlushEvery: mc.FlushEvery,
		})
		if err != nil {
			return noop, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q", mc.Backend)
	}
}
