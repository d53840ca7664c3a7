package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the int64 sum data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordExtractionAttempt(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordExtractionAttempt(ctx, "gemini", "gemini-2.5-flash", "rate_limited", 0.2)
	m.RecordExtractionAttempt(ctx, "gemini", "gemini-2.5-flash", "rate_limited", 0.3)
	m.RecordExtractionAttempt(ctx, "gemini", "gemini-2.5-flash", "success", 4.5)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "pillbox.extraction.attempts", "outcome", "rate_limited"); got != 2 {
		t.Errorf("rate_limited attempts = %d, want 2", got)
	}
	if got := sumFor(t, rm, "pillbox.extraction.attempts", "outcome", "success"); got != 1 {
		t.Errorf("success attempts = %d, want 1", got)
	}

	met := findMetric(rm, "pillbox.extraction.attempt.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 3 {
		t.Errorf("duration data points = %+v, want one point with 3 samples", hist.DataPoints)
	}
}

func TestRecordScan(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordScan(ctx, "ok", 3)
	m.RecordScan(ctx, "ok", 2)
	m.RecordScan(ctx, "no_credentials", 0)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "pillbox.scans", "status", "ok"); got != 2 {
		t.Errorf("ok scans = %d, want 2", got)
	}
	if got := sumFor(t, rm, "pillbox.medicines.extracted", "", ""); got != 5 {
		t.Errorf("medicines extracted = %d, want 5", got)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordParseTier(ctx, "truncated")
	m.RecordSchedulePush(ctx, "error")
	m.RecordDispenserCommand(ctx, "ok")
	m.AlarmsFired.Add(ctx, 1)

	rm := collect(t, reader)

	tests := []struct {
		name, key, value string
	}{
		{"pillbox.parse.tiers", "tier", "truncated"},
		{"pillbox.schedule.pushes", "status", "error"},
		{"pillbox.dispenser.commands", "status", "ok"},
		{"pillbox.alarms.fired", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumFor(t, rm, tc.name, tc.key, tc.value); got != 1 {
				t.Errorf("value = %d, want 1", got)
			}
		})
	}
}

func TestActiveAlarmsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive.
	m.ActiveAlarms.Add(ctx, 3)
	m.ActiveAlarms.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "pillbox.alarms.active", "", ""); got != 2 {
		t.Errorf("active alarms = %d, want 2", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("route", "GET /healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "pillbox.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
