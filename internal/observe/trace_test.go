package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func spanAttr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSessionSpan_Success(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSession(context.Background(), "s-1", attribute.String("transport", "quic"))
	if len(CorrelationID(ctx)) != 32 {
		t.Fatalf("CorrelationID = %q, want a 32-char trace ID", CorrelationID(ctx))
	}
	EndSession(span, "completed", nil, attribute.Int64("session.frames_sent", 7))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "voxlink.session" {
		t.Errorf("span name = %q", s.Name)
	}
	for key, want := range map[string]string{"session.id": "s-1", "transport": "quic", "session.outcome": "completed"} {
		if v, ok := spanAttr(s, key); !ok || v.AsString() != want {
			t.Errorf("attribute %s = %v, want %q", key, v.AsString(), want)
		}
	}
	if v, ok := spanAttr(s, "session.frames_sent"); !ok || v.AsInt64() != 7 {
		t.Errorf("session.frames_sent = %v", v.AsInt64())
	}
	if s.Status.Code == codes.Error {
		t.Error("successful session marked as error")
	}
}

func TestSessionSpan_Failure(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSession(context.Background(), "s-2")
	EndSession(span, "failed", errors.New("link lost"))

	s := exp.GetSpans()[0]
	if s.Status.Code != codes.Error || s.Status.Description != "failed" {
		t.Errorf("status = %+v, want error/failed", s.Status)
	}
	if len(s.Events) == 0 {
		t.Error("error was not recorded as a span event")
	}
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("idle")
	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Errorf("log without span has trace_id: %s", buf.String())
	}

	buf.Reset()
	ctx, span := StartSession(context.Background(), "s-3")
	defer span.End()
	Logger(ctx).Info("started")
	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id="} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Errorf("log output missing %q: %s", want, buf.String())
		}
	}
}
