// Package mock provides an in-memory realtime connection for unit tests.
//
// The mock is safe for concurrent use. Tests push inbound events with
// [Conn.Emit], simulate transport failures with [Conn.Fail] and inspect
// outbound traffic with [Conn.Sent].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/realtime"
)

// Conn is a mock realtime connection.
type Conn struct {
	events    chan realtime.Event
	closeOnce sync.Once

	mu     sync.Mutex
	sent   []any
	err    error
	closed bool

	// SendError is returned by every Send call when non-nil.
	SendError error

	// OnClose, when set, runs on the first Close call before the events
	// channel is closed.
	OnClose func()

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewConn returns an open connection whose events channel holds buffer
// events.
func NewConn(buffer int) *Conn {
	return &Conn{events: make(chan realtime.Event, buffer)}
}

// Events returns the inbound channel.
func (c *Conn) Events() <-chan realtime.Event { return c.events }

// Err returns the error set by [Conn.Fail].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send records v. It returns SendError, or [realtime.ErrClosed] after Close.
func (c *Conn) Send(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrClosed
	}
	if c.SendError != nil {
		return c.SendError
	}
	c.sent = append(c.sent, v)
	return nil
}

// Close records the call and closes the events channel. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	c.closed = true
	hook := c.OnClose
	c.OnClose = nil
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

// Emit delivers evt on the events channel. It blocks while the buffer is full.
func (c *Conn) Emit(evt realtime.Event) {
	c.events <- evt
}

// Fail simulates a transport failure: Err starts returning err and the
// events channel is closed.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
}

// Sent returns a copy of every value passed to Send, in order.
func (c *Conn) Sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closes returns the number of Close calls.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}
