package session

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/pkg/realtime"
	"github.com/MrWong99/parley/pkg/transcript"
)

// loop is the dispatch goroutine. It is the only user of sched and the only
// writer of the transcript and the elapsed counter. It returns when the
// connection's event channel is closed or the controller is closed.
func (c *Controller) loop(conn Conn, sched *playback.Scheduler) {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	events := conn.Events()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				c.connectionClosed(conn)
				return
			}
			c.dispatch(sched, evt)

		case <-ticker.C:
			if c.machine.current() != StatusLive {
				continue
			}
			n := int(c.elapsed.Add(1))
			if fn := c.cfg.Hooks.OnElapsed; fn != nil {
				fn(n)
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// dispatch routes one inbound event. Once End has started, audio is no
// longer scheduled but transcripts are still collected.
func (c *Controller) dispatch(sched *playback.Scheduler, evt realtime.Event) {
	ctx := c.ctx
	switch e := evt.(type) {
	case realtime.AudioDelta:
		if c.ending.Load() {
			return
		}
		span, err := sched.Schedule(e.Delta)
		if err != nil {
			c.metrics.RecordProtocolError(ctx, "bad_audio")
			slog.Debug("dropping audio delta", "session_id", c.cfg.SessionID, "err", err)
			return
		}
		c.metrics.AudioDeltas.Add(ctx, 1)
		if span.Late {
			c.metrics.PlaybackUnderruns.Add(ctx, 1)
		}

	case realtime.AudioDone:
		sched.Reset()

	case realtime.RemoteTranscript:
		c.appendTranscript(transcript.SpeakerRemote, e.Transcript)

	case realtime.UserTranscript:
		c.appendTranscript(transcript.SpeakerUser, e.Transcript)

	case realtime.ServerError:
		kind := e.Kind
		if kind == "" {
			kind = "unknown"
		}
		c.metrics.ProtocolErrors.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("kind", "server_"+kind)))
		slog.Warn("remote service error",
			"session_id", c.cfg.SessionID,
			"type", e.Kind, "code", e.Code, "message", e.Message)
	}
}

func (c *Controller) appendTranscript(speaker transcript.Speaker, text string) {
	entry := c.asm.Append(speaker, text)
	c.metrics.RecordTranscriptEntry(c.ctx, string(speaker))
	if fn := c.cfg.Hooks.OnTranscript; fn != nil {
		fn(entry)
	}
}

// connectionClosed handles the end of the event stream. It is a failure
// unless End or Close caused it.
func (c *Controller) connectionClosed(conn Conn) {
	if c.ending.Load() || c.ctx.Err() != nil {
		return
	}
	cause := ErrConnectionLost
	if err := conn.Err(); err != nil {
		cause = fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	_ = c.fail(cause)
}
