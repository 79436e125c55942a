package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newMiddlewareMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
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

func serve(h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SpanAndCorrelationHeader(t *testing.T) {
	exp := useTestTracer(t)
	m, _ := newMiddlewareMetrics(t)

	var inner string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
		w.WriteHeader(http.StatusNotFound)
	}))
	rec := serve(h, "/status", nil)

	if len(inner) != 32 {
		t.Fatalf("handler correlation ID = %q", inner)
	}
	if got := rec.Header().Get(CorrelationHeader); got != inner {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, inner)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /status" {
		t.Fatalf("spans = %+v", spans)
	}
	if v, ok := spanAttr(spans[0], "http.response.status_code"); !ok || v.AsInt64() != 404 {
		t.Errorf("http.response.status_code = %v", v.AsInt64())
	}
}

func TestMiddleware_JoinsIncomingTrace(t *testing.T) {
	useTestTracer(t)
	m, _ := newMiddlewareMetrics(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	h := Middleware(m)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := serve(h, "/readyz", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})

	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	useTestTracer(t)
	m, reader := newMiddlewareMetrics(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	serve(h, "/readyz", nil)
	serve(h, "/readyz", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxlink.http.request.duration")
	if met == nil {
		t.Fatal("voxlink.http.request.duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("count = %d, want 2", dp.Count)
	}
	for key, want := range map[string]string{"method": "GET", "path": "/readyz", "status": "503"} {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); !ok || v.AsString() != want {
			t.Errorf("attribute %s = %q, want %q", key, v.AsString(), want)
		}
	}
}

func TestMiddleware_QuietPaths(t *testing.T) {
	useTestTracer(t)
	m, _ := newMiddlewareMetrics(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	status := http.StatusOK
	h := Middleware(m, WithQuietPaths("/probe"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))

	tests := []struct {
		path   string
		status int
		logged bool
	}{
		{"/probe", http.StatusOK, false},
		{"/probe", http.StatusInternalServerError, true},
		{"/metrics", http.StatusOK, true},
	}
	for _, tt := range tests {
		buf.Reset()
		status = tt.status
		serve(h, tt.path, nil)
		if got := bytes.Contains(buf.Bytes(), []byte("request completed")); got != tt.logged {
			t.Errorf("%s %d: logged at info = %v, want %v", tt.path, tt.status, got, tt.logged)
		}
	}
}
