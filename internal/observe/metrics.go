// Package observe provides application-wide observability primitives for
// pillbox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pillbox metrics.
const meterName = "github.com/MrWong99/pillbox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Extraction ---

	// ExtractionAttemptDuration tracks the latency of a single model call.
	// Use with attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...)
	ExtractionAttemptDuration metric.Float64Histogram

	// ExtractionAttempts counts model calls by outcome. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...),
	//   attribute.String("outcome", ...)
	ExtractionAttempts metric.Int64Counter

	// Scans counts finished extraction runs. Use with attribute:
	//   attribute.String("status", ...)
	Scans metric.Int64Counter

	// ParseTiers counts which recovery tier produced medicines. Use with:
	//   attribute.String("tier", ...)
	ParseTiers metric.Int64Counter

	// MedicinesExtracted counts medicines recovered across all scans.
	MedicinesExtracted metric.Int64Counter

	// --- Scheduling ---

	// SchedulePushes counts dispenser schedule deliveries. Use with:
	//   attribute.String("status", ...)
	SchedulePushes metric.Int64Counter

	// ActiveAlarms tracks the number of registered alarm timers.
	ActiveAlarms metric.Int64UpDownCounter

	// AlarmsFired counts alarm firings.
	AlarmsFired metric.Int64Counter

	// DispenserCommands counts door-session commands sent to the device.
	// Use with attribute:
	//   attribute.String("status", ...)
	DispenserCommands metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// remote model calls, which range from sub-second to the 90 s read timeout.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 90,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExtractionAttemptDuration, err = m.Float64Histogram("pillbox.extraction.attempt.duration",
		metric.WithDescription("Latency of a single extraction model call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ExtractionAttempts, err = m.Int64Counter("pillbox.extraction.attempts",
		metric.WithDescription("Total extraction attempts by provider, model, and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Scans, err = m.Int64Counter("pillbox.scans",
		metric.WithDescription("Total extraction runs by final status."),
	); err != nil {
		return nil, err
	}
	if met.ParseTiers, err = m.Int64Counter("pillbox.parse.tiers",
		metric.WithDescription("Successful parses by recovery tier."),
	); err != nil {
		return nil, err
	}
	if met.MedicinesExtracted, err = m.Int64Counter("pillbox.medicines.extracted",
		metric.WithDescription("Total medicines recovered from scans."),
	); err != nil {
		return nil, err
	}
	if met.SchedulePushes, err = m.Int64Counter("pillbox.schedule.pushes",
		metric.WithDescription("Total dispenser schedule deliveries by status."),
	); err != nil {
		return nil, err
	}
	if met.AlarmsFired, err = m.Int64Counter("pillbox.alarms.fired",
		metric.WithDescription("Total alarm firings."),
	); err != nil {
		return nil, err
	}
	if met.DispenserCommands, err = m.Int64Counter("pillbox.dispenser.commands",
		metric.WithDescription("Total door-session commands sent to the dispenser by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveAlarms, err = m.Int64UpDownCounter("pillbox.alarms.active",
		metric.WithDescription("Number of currently registered alarm timers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pillbox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordExtractionAttempt records one model call with its outcome and
// latency in seconds.
func (m *Metrics) RecordExtractionAttempt(ctx context.Context, provider, model, outcome string, seconds float64) {
	m.ExtractionAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("outcome", outcome),
		),
	)
	m.ExtractionAttemptDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
		),
	)
}

// RecordScan records a finished extraction run.
func (m *Metrics) RecordScan(ctx context.Context, status string, medicines int) {
	m.Scans.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if medicines > 0 {
		m.MedicinesExtracted.Add(ctx, int64(medicines))
	}
}

// RecordParseTier records which recovery tier produced a result.
func (m *Metrics) RecordParseTier(ctx context.Context, tier string) {
	m.ParseTiers.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordSchedulePush records a dispenser schedule delivery.
func (m *Metrics) RecordSchedulePush(ctx context.Context, status string) {
	m.SchedulePushes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDispenserCommand records a door-session command.
func (m *Metrics) RecordDispenserCommand(ctx context.Context, status string) {
	m.DispenserCommands.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordAlarmFired records one alarm firing for the given slot label.
func (m *Metrics) RecordAlarmFired(ctx context.Context, label string) {
	m.AlarmsFired.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
}
