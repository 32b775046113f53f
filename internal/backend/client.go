// Package backend talks to the session backend: it resolves the realtime
// endpoint of a session, reports the finished transcript and accepts the
// recording.
//
// All calls are JSON over HTTP with a bearer token. A circuit breaker guards
// the client so a backend outage fails fast instead of stacking timeouts.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/transcript"
)

// ErrStatus is wrapped by every [StatusError].
var ErrStatus = errors.New("backend: unexpected status")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s %s: %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// EndRequest is the payload of the end-session call.
type EndRequest struct {
	Transcript     []transcript.Entry `json:"transcript"`
	ElapsedSeconds int                `json:"elapsed_seconds"`
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is used as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCircuitBreaker overrides the breaker settings.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = cfg }
}

// WithMetrics replaces the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is the backend API client. Safe for concurrent use.
type Client struct {
	base    string
	token   string
	timeout time.Duration

	http       *http.Client
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
}

// New creates a client for the API rooted at baseURL.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend: invalid base URL %q", baseURL)
	}
	c := &Client{
		base:       strings.TrimRight(baseURL, "/"),
		token:      token,
		timeout:    30 * time.Second,
		breakerCfg: resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   c.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.breakerCfg.Name = "backend"
	if c.breakerCfg.IsFailure == nil {
		c.breakerCfg.IsFailure = isOutage
	}
	if c.breakerCfg.OnStateChange == nil {
		c.breakerCfg.OnStateChange = func(name string, _, to resilience.State) {
			c.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		}
	}
	c.breaker = resilience.NewCircuitBreaker(c.breakerCfg)
	return c, nil
}

// isOutage reports whether err means the backend is unhealthy. A 4xx is the
// backend answering correctly about a bad request.
func isOutage(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return resilience.CountsAsFailure(err)
}

// ConnectURL returns the realtime WebSocket endpoint for session id.
func (c *Client) ConnectURL(ctx context.Context, id string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, "connect_url", http.MethodGet, sessionPath(id, "realtime"), "", nil, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("backend: connect url: empty url in response")
	}
	return out.URL, nil
}

// EndSession reports the finished session.
func (c *Client) EndSession(ctx context.Context, id string, req EndRequest) error {
	if req.Transcript == nil {
		req.Transcript = []transcript.Entry{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("backend: encode end request: %w", err)
	}
	return c.do(ctx, "end_session", http.MethodPost, sessionPath(id, "end"), "application/json", body, nil)
}

// UploadRecording sends the finalized recording.
func (c *Client) UploadRecording(ctx context.Context, id, mimeType string, data []byte) error {
	return c.do(ctx, "upload_recording", http.MethodPost, sessionPath(id, "recording"), mimeType, data, nil)
}

func sessionPath(id, action string) string {
	return "/sessions/" + url.PathEscape(id) + "/" + action
}

func (c *Client) do(ctx context.Context, op, method, path, contentType string, body []byte, out any) error {
	start := time.Now()
	err := c.breaker.Execute(func() error {
		return c.roundTrip(ctx, method, path, contentType, body, out)
	})

	status := "ok"
	var se *StatusError
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	case errors.As(err, &se):
		status = fmt.Sprintf("%d", se.Code)
	default:
		status = "error"
	}
	c.metrics.RecordBackendCall(ctx, op, status, time.Since(start))

	if err != nil {
		if se != nil {
			return err
		}
		return fmt.Errorf("backend: %s: %w", op, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if cid := observe.CorrelationID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
