package observe

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer registers an in-memory tracer provider as the global one for
// the duration of the test. Tests using it must not run in parallel.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs points the default logger at a buffer for the duration of the test.
func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	installTracer(t)
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if cid := CorrelationID(ctx); !traceIDPattern.MatchString(cid) {
		t.Errorf("CorrelationID = %q, want 32 hex digits", cid)
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithSessionID(context.Background(), "sess-9")
	if got := SessionID(ctx); got != "sess-9" {
		t.Errorf("SessionID = %q", got)
	}
	if got := SessionID(WithSessionID(context.Background(), "")); got != "" {
		t.Errorf("empty id stored as %q", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := installTracer(t)

	_, plain := StartSpan(context.Background(), "plain")
	plain.End()
	_, tagged := StartSpan(WithSessionID(context.Background(), "sess-1"), "session.run")
	tagged.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	for _, a := range spans[0].Attributes {
		if a.Key == SessionIDKey {
			t.Error("span without session context carries a session id")
		}
	}
	found := false
	for _, a := range spans[1].Attributes {
		if a.Key == SessionIDKey && a.Value.AsString() == "sess-1" {
			found = true
		}
	}
	if spans[1].Name != "session.run" || !found {
		t.Errorf("span %q attributes = %v", spans[1].Name, spans[1].Attributes)
	}
}

func TestLogger(t *testing.T) {
	installTracer(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"session_id", "trace_id", "span_id"},
		},
		{
			name: "session only",
			ctx: func() (context.Context, func()) {
				return WithSessionID(context.Background(), "s-2"), func() {}
			},
			want:    []string{"session_id=s-2"},
			notWant: []string{"trace_id"},
		},
		{
			name: "session and span",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(WithSessionID(context.Background(), "s-3"), "op")
				return ctx, func() { span.End() }
			},
			want: []string{"session_id=s-3", "trace_id=", "span_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t, slog.LevelInfo)
			ctx, done := tt.ctx()
			defer done()

			Logger(ctx).Info("hello")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}
