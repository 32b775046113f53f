// Package mock provides scripted recorders for tests that drive a
// [recording.Pipeline] without real encoders.
//
// A [Recorder] emits whatever the test pushes with [Recorder.Emit] and, on
// Stop, the chunks listed in Tail. Codec wraps it so it can take part in
// negotiation; Unavailable builds a codec that always declines.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/pkg/media"
)

var _ recording.Recorder = (*Recorder)(nil)

// Recorder is a mock implementation of [recording.Recorder].
type Recorder struct {
	mu sync.Mutex

	// Mime is returned by MimeType.
	Mime string

	// Tail is emitted by Stop before it returns.
	Tail [][]byte

	// StartError is returned by Start.
	StartError error

	// StopError is returned by Stop after Tail was emitted.
	StopError error

	// OnStop runs at the beginning of Stop.
	OnStop func()

	onChunk func([]byte)
	started bool
	stopped bool

	// CallCountStart and CallCountStop count method calls.
	CallCountStart int
	CallCountStop  int
}

// MimeType implements [recording.Recorder].
func (r *Recorder) MimeType() string { return r.Mime }

// Start implements [recording.Recorder].
func (r *Recorder) Start(onChunk func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStart++
	if r.StartError != nil {
		return r.StartError
	}
	r.onChunk = onChunk
	r.started = true
	return nil
}

// Emit delivers chunk as if the encoder had produced it. Emits before Start
// or after Stop are ignored.
func (r *Recorder) Emit(chunk []byte) {
	r.mu.Lock()
	fn := r.onChunk
	ok := r.started && !r.stopped
	r.mu.Unlock()
	if ok {
		fn(chunk)
	}
}

// Stop implements [recording.Recorder].
func (r *Recorder) Stop(_ context.Context) error {
	r.mu.Lock()
	r.CallCountStop++
	hook := r.OnStop
	fn := r.onChunk
	tail := r.Tail
	already := r.stopped
	r.stopped = true
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	if !already && fn != nil {
		for _, c := range tail {
			fn(c)
		}
	}
	return r.StopError
}

// Stopped reports whether Stop was called.
func (r *Recorder) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Codec returns a codec that always accepts the stream and hands out r.
func Codec(r *Recorder) recording.Codec {
	return recording.Codec{
		MimeType: r.Mime,
		Check:    func(context.Context, media.Stream, recording.Options) error { return nil },
		New:      func(media.Stream, recording.Options) (recording.Recorder, error) { return r, nil },
	}
}

// Unavailable returns a codec whose check always fails.
func Unavailable(mime string) recording.Codec {
	return recording.Codec{
		MimeType: mime,
		Check: func(context.Context, media.Stream, recording.Options) error {
			return fmt.Errorf("%w: %s disabled in test", recording.ErrCodecUnavailable, mime)
		},
		New: func(media.Stream, recording.Options) (recording.Recorder, error) {
			return nil, fmt.Errorf("mock: %s should not be built", mime)
		},
	}
}
