// Package realtime is a client for realtime voice-agent endpoints that speak
// JSON events over a WebSocket.
//
// A [Dialer] opens a [Conn]. The Conn reads frames on its own goroutine,
// parses them with [Parse] and delivers the events this client understands
// on [Conn.Events] in the order they arrived. Malformed frames and unknown
// event types never reach the channel. Outbound events are written with
// [Conn.Send], which is safe to call from several goroutines.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

const (
	// defaultReadLimit bounds a single inbound frame. Audio deltas are far
	// larger than the library's 32 KiB default.
	defaultReadLimit = 16 << 20

	// defaultEventBuffer is the capacity of the events channel.
	defaultEventBuffer = 256
)

// ErrClosed is returned by [Conn.Send] after [Conn.Close].
var ErrClosed = errors.New("realtime: connection closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Dialer].
type Option func(*Dialer)

// WithAPIKey authenticates with a bearer token and opts into the realtime
// beta protocol. Backend-issued URLs usually carry their own credentials and
// need no key.
func WithAPIKey(key string) Option {
	return func(d *Dialer) {
		if key == "" {
			return
		}
		d.header.Set("Authorization", "Bearer "+key)
		d.header.Set("OpenAI-Beta", "realtime=v1")
	}
}

// WithHeader adds a header to the WebSocket handshake.
func WithHeader(key, value string) Option {
	return func(d *Dialer) { d.header.Add(key, value) }
}

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// WithReadLimit sets the maximum size of a single inbound frame in bytes.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// WithRejectHandler registers a callback for inbound frames that were
// dropped, either because they failed to parse or because their type is not
// handled. It runs on the read goroutine and must not block.
func WithRejectHandler(fn func(data []byte, err error)) Option {
	return func(d *Dialer) { d.onReject = fn }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens realtime connections.
type Dialer struct {
	header     http.Header
	httpClient *http.Client
	readLimit  int64
	onReject   func([]byte, error)
}

// NewDialer returns a Dialer configured by opts.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		header:    http.Header{},
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial connects to url and starts the read loop. ctx bounds the handshake
// only; the connection lives until [Conn.Close] or a transport failure.
func (d *Dialer) Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: d.header.Clone(),
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	ws.SetReadLimit(d.readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:       ws,
		events:   make(chan Event, defaultEventBuffer),
		onReject: d.onReject,
		ctx:      connCtx,
		cancel:   cancel,
	}
	go c.receiveLoop()
	return c, nil
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is one open realtime connection.
type Conn struct {
	ws       *websocket.Conn
	events   chan Event
	onReject func([]byte, error)

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Events returns the channel of inbound events. It is closed when the
// connection ends for any reason; [Conn.Err] then reports why.
func (c *Conn) Events() <-chan Event { return c.events }

// Err returns the transport error that ended the connection, or nil if it is
// still open or was closed locally.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Send marshals v and writes it as a text frame.
func (c *Conn) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Close terminates the connection. Events already delivered stay in the
// channel; the channel is closed once the read loop exits. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session ended")
	return nil
}

// receiveLoop reads frames and delivers parsed events in arrival order. It
// owns the events channel and closes it when it exits.
func (c *Conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setErr(err)
			return
		}

		evt, err := Parse(data)
		if err != nil {
			if c.onReject != nil {
				c.onReject(data, err)
			}
			if errors.Is(err, ErrMalformed) {
				slog.Debug("realtime: dropping malformed frame", "err", err, "bytes", len(data))
			}
			continue
		}

		select {
		case c.events <- evt:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = fmt.Errorf("realtime: read: %w", err)
	}
}
