package observe

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// pillboxMux mimics the shape of the real surface: a health check and a few
// id-carrying API routes.
func pillboxMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/medicines/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /v1/alarms/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)

	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	t.Run("new trace", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", nil))

		got := rec.Header().Get(CorrelationHeader)
		if len(got) != 32 || got != seen {
			t.Errorf("%s = %q, handler saw %q", CorrelationHeader, got, seen)
		}
	})

	t.Run("caller trace", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/scans", nil)
		req.Header.Set("traceparent", traceparent)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get(CorrelationHeader); got != remoteTraceID {
			t.Errorf("%s = %q, want %q", CorrelationHeader, got, remoteTraceID)
		}
		if seen != remoteTraceID {
			t.Errorf("handler saw trace %q", seen)
		}
		if tp := rec.Header().Get("traceparent"); !strings.Contains(tp, remoteTraceID) {
			t.Errorf("traceparent = %q, want trace %s", tp, remoteTraceID)
		}
	})
}

func TestMiddleware_RecordsPerRoute(t *testing.T) {
	exp := useTestTracer(t)
	m, reader := newTestMetrics(t)
	h := Middleware(m)(pillboxMux())

	requests := []struct {
		method, path string
		status       int
	}{
		{http.MethodGet, "/v1/medicines/1", http.StatusOK},
		{http.MethodGet, "/v1/medicines/2", http.StatusOK},
		{http.MethodDelete, "/v1/alarms/9", http.StatusNoContent},
		{http.MethodGet, "/v1/nope", http.StatusNotFound},
	}
	for _, rq := range requests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(rq.method, rq.path, nil))
		if rec.Code != rq.status {
			t.Errorf("%s %s = %d, want %d", rq.method, rq.path, rec.Code, rq.status)
		}
	}

	met := findMetric(collect(t, reader), "pillbox.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not recorded")
	}
	counts := map[string]uint64{}
	for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
		route, _ := dp.Attributes.Value("route")
		counts[route.AsString()] = dp.Count
	}
	want := map[string]uint64{
		"GET /v1/medicines/{id}":  2,
		"DELETE /v1/alarms/{id}": 1,
		unmatchedRoute:           1,
	}
	for route, n := range want {
		if counts[route] != n {
			t.Errorf("route %q count = %d, want %d (all: %v)", route, counts[route], n, counts)
		}
	}
	if len(counts) != len(want) {
		t.Errorf("routes = %v, want %d series", counts, len(want))
	}

	spans := exp.GetSpans()
	if len(spans) != len(requests) {
		t.Fatalf("spans = %d, want %d", len(spans), len(requests))
	}
	if spans[2].Name != "HTTP DELETE /v1/alarms/{id}" {
		t.Errorf("span name = %q", spans[2].Name)
	}
	var status int64
	for _, kv := range spans[2].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusNoContent {
		t.Errorf("span status attribute = %d, want 204", status)
	}
	if spans[3].Name != "HTTP GET /v1/nope" {
		t.Errorf("unmatched span name = %q", spans[3].Name)
	}
}

func TestMiddleware_QuietPathsLogAtDebug(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)
	buf := captureLogs(t, slog.LevelInfo)
	h := Middleware(m, "/healthz")(pillboxMux())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/medicines/3", nil))

	lines := logLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("info lines = %v, want only the API request", lines)
	}
	line := lines[0]
	if line["route"] != "GET /v1/medicines/{id}" || line["status"] != float64(http.StatusOK) {
		t.Errorf("log line = %v", line)
	}
	if line["trace_id"] != rec.Header().Get(CorrelationHeader) {
		t.Errorf("trace_id = %v, response header %q", line["trace_id"], rec.Header().Get(CorrelationHeader))
	}
}
