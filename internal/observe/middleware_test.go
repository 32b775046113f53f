package observe

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareEnv struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

func newMiddlewareEnv(t *testing.T) *middlewareEnv {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return &middlewareEnv{metrics: m, reader: reader, spans: installTracer(t)}
}

// serve runs one request through the middleware around h.
func (e *middlewareEnv) serve(h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	Middleware(e.metrics)(h).ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationID(t *testing.T) {
	env := newMiddlewareEnv(t)

	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{name: "new trace"},
		{
			name:        "continues incoming trace",
			traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			want:        "4bf92f3577b34da6a3ce929d0e0e4736",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			var seen string
			rec := env.serve(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationID(r.Context())
			}, req)

			if !traceIDPattern.MatchString(seen) {
				t.Fatalf("handler saw correlation id %q", seen)
			}
			if tt.want != "" && seen != tt.want {
				t.Errorf("correlation id = %q, want %q", seen, tt.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != seen {
				t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
			}
		})
	}
}

func TestMiddleware_SpanAndStatus(t *testing.T) {
	env := newMiddlewareEnv(t)

	rec := env.serve(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.WriteHeader(http.StatusTeapot)
	}, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("response status = %d", rec.Code)
	}

	spans := env.spans.GetSpans()
	if len(spans) != 1 || spans[0].Name != "GET /status" {
		t.Fatalf("spans = %v", spans)
	}
	var code int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			code = a.Value.AsInt64()
		}
	}
	if code != http.StatusNotFound {
		t.Errorf("span status code = %d, want 404", code)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	env := newMiddlewareEnv(t)
	for range 2 {
		env.serve(func(http.ResponseWriter, *http.Request) {}, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	}

	var rm metricdata.ResourceMetrics
	if err := env.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "parley.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("data = %#v", met.Data)
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("count = %d, want 2", dp.Count)
	}
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "/readyz" {
		t.Errorf("path attribute = %q", v.AsString())
	}
	if v, _ := dp.Attributes.Value("method"); v.AsString() != http.MethodGet {
		t.Errorf("method attribute = %q", v.AsString())
	}
}

func TestMiddleware_ProbesLogAtDebug(t *testing.T) {
	env := newMiddlewareEnv(t)
	buf := captureLogs(t, slog.LevelInfo)

	ok := func(http.ResponseWriter, *http.Request) {}
	env.serve(ok, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	env.serve(ok, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if buf.Len() != 0 {
		t.Errorf("probe requests logged at info: %s", buf.String())
	}

	env.serve(ok, httptest.NewRequest(http.MethodGet, "/status", nil))
	env.serve(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	out := buf.String()
	for _, want := range []string{"path=/status", "path=/readyz status=503"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}
