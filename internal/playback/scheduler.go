// Package playback turns the remote agent's streamed audio chunks into a
// gapless sequence on the output device's clock.
//
// A [Scheduler] keeps a cursor: the frame at which the previously scheduled
// chunk finishes. Each new chunk starts at max(now, cursor), so chunks that
// arrive early queue back to back and chunks that arrive late start
// immediately. The cursor is reset to the current clock at the end of every
// remote utterance.
//
// A Scheduler is not safe for concurrent use. The session dispatch goroutine
// owns it.
package playback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrEmptyDelta is returned by [Scheduler.Schedule] for a chunk that decodes
// to zero samples.
var ErrEmptyDelta = errors.New("playback: empty audio delta")

// Output is a playback device timeline. Positions are absolute frame counts
// at [audio.SampleRate].
type Output interface {
	// Now returns the frame the device is currently playing.
	Now() int64

	// Schedule queues samples to start playing at frame at.
	Schedule(samples []float32, at int64)

	// Clear drops everything queued that has not played yet.
	Clear()
}

// Span is the placement of one scheduled chunk on the output timeline.
type Span struct {
	// Start and End are frame positions; End is exclusive.
	Start, End int64

	// Late is set when the chunk continued an utterance but arrived after
	// the previous chunk had already finished playing.
	Late bool
}

// Len returns the number of frames in the span.
func (s Span) Len() int64 { return s.End - s.Start }

// Scheduler places decoded chunks on an [Output] without gaps or overlaps.
type Scheduler struct {
	out      Output
	cursor   int64
	speaking bool
	scratch  []byte
}

// NewScheduler returns a Scheduler whose cursor starts at the output's
// current position.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{out: out, cursor: out.Now()}
}

// Schedule decodes a base64 PCM16 chunk and queues it for playback. Decode
// failures and empty chunks return an error and leave the cursor untouched.
func (s *Scheduler) Schedule(delta string) (Span, error) {
	n := base64.StdEncoding.DecodedLen(len(delta))
	if cap(s.scratch) < n {
		s.scratch = make([]byte, n)
	}
	m, err := base64.StdEncoding.Decode(s.scratch[:n], []byte(delta))
	if err != nil {
		return Span{}, fmt.Errorf("playback: decode delta: %w", err)
	}
	if m < audio.BytesPerSample {
		return Span{}, ErrEmptyDelta
	}
	return s.ScheduleSamples(audio.DecodePCM16(nil, s.scratch[:m])), nil
}

// ScheduleSamples queues already decoded samples. The scheduler keeps a
// reference to samples.
func (s *Scheduler) ScheduleSamples(samples []float32) Span {
	now := s.out.Now()
	start := max(now, s.cursor)
	span := Span{
		Start: start,
		End:   start + int64(len(samples)),
		Late:  s.speaking && now > s.cursor,
	}
	s.out.Schedule(samples, start)
	s.cursor = span.End
	s.speaking = true
	return span
}

// Reset ends the current utterance. The next chunk starts at the device's
// current position or later; audio already queued keeps playing.
func (s *Scheduler) Reset() {
	s.cursor = s.out.Now()
	s.speaking = false
}

// Flush drops every queued chunk and resets the cursor.
func (s *Scheduler) Flush() {
	s.out.Clear()
	s.Reset()
}

// Cursor returns the frame at which the last scheduled chunk ends.
func (s *Scheduler) Cursor() int64 { return s.cursor }

// Speaking reports whether an utterance is in progress, that is, whether a
// chunk was scheduled since the last reset.
func (s *Scheduler) Speaking() bool { return s.speaking }

// Buffered returns how much scheduled audio is still ahead of the device.
func (s *Scheduler) Buffered() time.Duration {
	ahead := s.cursor - s.out.Now()
	if ahead <= 0 {
		return 0
	}
	return audio.Duration(int(ahead), audio.SampleRate)
}
