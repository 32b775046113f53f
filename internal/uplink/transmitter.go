package uplink

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/realtime"
)

// Drop reasons reported to metrics.
const (
	DropMuted     = "muted"
	DropNotLive   = "not_live"
	DropSendError = "send_error"
)

// Sender writes one outbound event.
type Sender interface {
	Send(ctx context.Context, v any) error
}

// Option configures a [Transmitter].
type Option func(*Transmitter)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transmitter) {
		if m != nil {
			t.metrics = m
		}
	}
}

// Transmitter sends encoded frames while the session is live and unmuted.
type Transmitter struct {
	muted   *atomic.Bool
	link    func() Sender
	metrics *observe.Metrics

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewTransmitter returns a Transmitter gated by muted and link. link returns
// the live connection, or nil while there is none; it is consulted for every
// frame, so frames captured before the session goes live or after it ends
// are discarded.
func NewTransmitter(muted *atomic.Bool, link func() Sender, opts ...Option) *Transmitter {
	t := &Transmitter{muted: muted, link: link}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Run transmits frames until ctx is cancelled or frames is closed.
func (t *Transmitter) Run(ctx context.Context, frames <-chan audio.AudioFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			t.Transmit(ctx, f)
		}
	}
}

// Transmit sends one frame if the gates are open and reports whether it was
// sent. Send failures are logged and counted; they do not stop the uplink.
func (t *Transmitter) Transmit(ctx context.Context, f audio.AudioFrame) bool {
	if t.muted.Load() {
		t.drop(ctx, DropMuted)
		return false
	}
	s := t.link()
	if s == nil {
		t.drop(ctx, DropNotLive)
		return false
	}
	if err := s.Send(ctx, realtime.NewAppendAudio(f.Data)); err != nil {
		slog.Debug("uplink: send failed", "err", err, "timestamp", f.Timestamp)
		t.drop(ctx, DropSendError)
		return false
	}
	t.sent.Add(1)
	t.metrics.FramesSent.Add(ctx, 1)
	return true
}

// Sent returns the number of frames sent.
func (t *Transmitter) Sent() uint64 { return t.sent.Load() }

// Dropped returns the number of frames discarded by the gates or by send
// failures.
func (t *Transmitter) Dropped() uint64 { return t.dropped.Load() }

func (t *Transmitter) drop(ctx context.Context, reason string) {
	t.dropped.Add(1)
	t.metrics.RecordFrameDropped(ctx, reason)
}
