package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the request's trace ID back to the caller.
const CorrelationHeader = "X-Correlation-ID"

// DefaultQuietPaths are polled by scrapers and probes and logged at debug.
var DefaultQuietPaths = []string{"/metrics", "/healthz", "/readyz", "/status"}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithQuietPaths replaces [DefaultQuietPaths].
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(mw *middleware) {
		mw.quiet = make(map[string]bool, len(paths))
		for _, p := range paths {
			mw.quiet[p] = true
		}
	}
}

type middleware struct {
	m     *Metrics
	prop  propagation.TraceContext
	quiet map[string]bool
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments the observability endpoints. Each request joins an
// incoming W3C trace or starts one, gets a server span, returns its trace ID
// in [CorrelationHeader], and is recorded in voxlink.http.request.duration.
//
// Hijacked connections such as the websocket route must not be wrapped.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{m: m}
	WithQuietPaths(DefaultQuietPaths...)(mw)
	for _, o := range opts {
		o(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, "HTTP "+r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			w.Header().Set(CorrelationHeader, cid)
		}
		mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		mw.m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
				attribute.String("status", strconv.Itoa(rec.status)),
			),
		)
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))

		level := slog.LevelInfo
		if mw.quiet[r.URL.Path] && rec.status < http.StatusInternalServerError {
			level = slog.LevelDebug
		}
		slog.LogAttrs(ctx, level, "observe: request completed",
			slog.String("trace_id", cid),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", elapsed),
		)
	})
}
