package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/transcript"
)

func newClient(t *testing.T, h http.Handler, opts ...backend.Option) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := backend.New(srv.URL+"/api/", "tok-123", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "not a url", "/relative/only"} {
		if _, err := backend.New(u, ""); err == nil {
			t.Errorf("New(%q) succeeded", u)
		}
	}
}

func TestConnectURL(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/sessions/s 1/realtime" {
			http.Error(w, "bad route "+r.Method+" "+r.URL.EscapedPath(), http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			http.Error(w, "bad auth "+got, http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "wss://voice.example/rt"})
	}))

	got, err := c.ConnectURL(context.Background(), "s 1")
	if err != nil {
		t.Fatalf("ConnectURL: %v", err)
	}
	if got != "wss://voice.example/rt" {
		t.Errorf("url = %q", got)
	}
}

func TestConnectURLEmpty(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	if _, err := c.ConnectURL(context.Background(), "x"); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestEndSessionPayload(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var body map[string]any
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/abc/end" || r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.EndSession(context.Background(), "abc", backend.EndRequest{
		Transcript: []transcript.Entry{
			{Speaker: transcript.SpeakerRemote, Text: "Hello", At: at},
			{Speaker: transcript.SpeakerUser, Text: "Hi", At: at},
		},
		ElapsedSeconds: 42,
	})
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if body["elapsed_seconds"] != float64(42) {
		t.Errorf("elapsed_seconds = %v", body["elapsed_seconds"])
	}
	entries, _ := body["transcript"].([]any)
	if len(entries) != 2 {
		t.Fatalf("transcript = %v", body["transcript"])
	}
	first, _ := entries[0].(map[string]any)
	if first["speaker"] != "remote" || first["text"] != "Hello" || first["at"] != "2026-03-01T12:00:00Z" {
		t.Errorf("first entry = %v", first)
	}
}

func TestEndSessionEmptyTranscriptIsArray(t *testing.T) {
	t.Parallel()

	var raw string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
	}))
	if err := c.EndSession(context.Background(), "abc", backend.EndRequest{}); err != nil {
		t.Fatal(err)
	}
	if raw != `{"transcript":[],"elapsed_seconds":0}` {
		t.Errorf("body = %s", raw)
	}
}

func TestUploadRecording(t *testing.T) {
	t.Parallel()

	var (
		gotType string
		gotBody []byte
	)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))

	if err := c.UploadRecording(context.Background(), "abc", "audio/wav", []byte("RIFF....")); err != nil {
		t.Fatalf("UploadRecording: %v", err)
	}
	if gotType != "audio/wav" || string(gotBody) != "RIFF...." {
		t.Errorf("got %q %q", gotType, gotBody)
	}
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage full", http.StatusInsufficientStorage)
	}))

	err := c.UploadRecording(context.Background(), "abc", "audio/wav", []byte{1})
	if !errors.Is(err, backend.ErrStatus) {
		t.Fatalf("err = %v, want ErrStatus", err)
	}
	var se *backend.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInsufficientStorage || se.Body != "storage full" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}), backend.WithCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}))

	for range 2 {
		_ = c.EndSession(context.Background(), "abc", backend.EndRequest{})
	}
	err := c.EndSession(context.Background(), "abc", backend.EndRequest{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
}

func TestClientErrorsDoNotOpenBreaker(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unknown session", http.StatusNotFound)
	}), backend.WithCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}))

	for range 4 {
		err := c.EndSession(context.Background(), "gone", backend.EndRequest{})
		var se *backend.StatusError
		if !errors.As(err, &se) || se.Code != http.StatusNotFound {
			t.Fatalf("err = %v, want 404 StatusError", err)
		}
	}
	if hits.Load() != 4 {
		t.Errorf("server hits = %d, want 4", hits.Load())
	}
}

func TestCancelledCallsDoNotOpenBreaker(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), backend.WithCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.EndSession(ctx, "abc", backend.EndRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if err := c.EndSession(context.Background(), "abc", backend.EndRequest{}); err != nil {
		t.Fatalf("EndSession after cancelled call: %v", err)
	}
}

func TestCorrelationHeader(t *testing.T) {
	t.Parallel()

	var got string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Correlation-ID")
		w.WriteHeader(http.StatusNoContent)
	}))

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "end")
	defer span.End()

	if err := c.EndSession(ctx, "abc", backend.EndRequest{}); err != nil {
		t.Fatal(err)
	}
	if want := observe.CorrelationID(ctx); got != want || want == "" {
		t.Errorf("X-Correlation-ID = %q, want %q", got, want)
	}
}

func TestDirect(t *testing.T) {
	t.Parallel()

	d := backend.Direct{URL: "wss://api.example/v1/realtime"}
	got, err := d.ConnectURL(context.Background(), "any")
	if err != nil || got != d.URL {
		t.Errorf("ConnectURL = %q, %v", got, err)
	}
	if err := d.EndSession(context.Background(), "any", backend.EndRequest{}); err != nil {
		t.Error(err)
	}
	if err := d.UploadRecording(context.Background(), "any", "audio/wav", nil); err != nil {
		t.Error(err)
	}
}
