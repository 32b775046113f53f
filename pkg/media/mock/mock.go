// Package mock provides in-memory capture devices for unit tests.
//
// All mocks are safe for concurrent use. [Devices] records every
// GetUserMedia call; the returned [AudioTrack] lets the test push blocks to
// registered taps with [AudioTrack.Emit].
//
// Typical usage:
//
//	devs := &mock.Devices{DenyVideo: true}
//	stream, err := devs.GetUserMedia(ctx, media.Constraints{Audio: true})
//	devs.LastStream().Audio.Emit(block)
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/media"
)

// Compile-time interface assertions.
var (
	_ media.Devices    = (*Devices)(nil)
	_ media.Stream     = (*Stream)(nil)
	_ media.AudioTrack = (*AudioTrack)(nil)
	_ media.VideoTrack = (*VideoTrack)(nil)
)

// ─── Devices ──────────────────────────────────────────────────────────────────

// Devices is a mock implementation of [media.Devices].
type Devices struct {
	mu sync.Mutex

	// DenyVideo rejects any request that includes video.
	DenyVideo bool

	// DenyAudio rejects every request.
	DenyAudio bool

	// HangVideo blocks any request that includes video until its context
	// is done, like a permission prompt nobody answers.
	HangVideo bool

	// SampleRate of created audio tracks. Defaults to 24000.
	SampleRate int

	// Calls records the constraints of every GetUserMedia call, in order.
	Calls []media.Constraints

	streams []*Stream
}

// GetUserMedia implements [media.Devices].
func (d *Devices) GetUserMedia(ctx context.Context, c media.Constraints) (media.Stream, error) {
	d.mu.Lock()
	d.Calls = append(d.Calls, c)
	hang := d.HangVideo && c.Video
	d.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: camera: %v", media.ErrPermissionDenied, ctx.Err())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	}
	if d.DenyAudio && c.Audio {
		return nil, fmt.Errorf("%w: microphone", media.ErrPermissionDenied)
	}
	if d.DenyVideo && c.Video {
		return nil, fmt.Errorf("%w: camera", media.ErrPermissionDenied)
	}

	rate := d.SampleRate
	if rate == 0 {
		rate = 24000
	}
	s := &Stream{}
	if c.Audio {
		s.Audio = &AudioTrack{id: fmt.Sprintf("mic-%d", len(d.streams)), rate: rate, enabled: true}
	}
	if c.Video {
		s.Video = &VideoTrack{id: fmt.Sprintf("cam-%d", len(d.streams)), enabled: true}
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// LastStream returns the most recently created stream, or nil.
func (d *Devices) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// CallLog returns a copy of Calls.
func (d *Devices) CallLog() []media.Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]media.Constraints, len(d.Calls))
	copy(out, d.Calls)
	return out
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [media.Stream].
type Stream struct {
	Audio *AudioTrack
	Video *VideoTrack
}

// AudioTracks implements [media.Stream].
func (s *Stream) AudioTracks() []media.AudioTrack {
	if s.Audio == nil {
		return nil
	}
	return []media.AudioTrack{s.Audio}
}

// VideoTracks implements [media.Stream].
func (s *Stream) VideoTracks() []media.VideoTrack {
	if s.Video == nil {
		return nil
	}
	return []media.VideoTrack{s.Video}
}

// Stop implements [media.Stream].
func (s *Stream) Stop() {
	if s.Audio != nil {
		s.Audio.Stop()
	}
	if s.Video != nil {
		s.Video.Stop()
	}
}

// ─── AudioTrack ───────────────────────────────────────────────────────────────

// AudioTrack is a mock microphone. Blocks pushed with Emit reach every tap;
// a disabled track delivers silence, a stopped one nothing.
type AudioTrack struct {
	mu      sync.Mutex
	id      string
	rate    int
	enabled bool
	stopped bool
	taps    map[int]func([]float32)
	nextTap int

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

func (a *AudioTrack) ID() string       { return a.id }
func (a *AudioTrack) Kind() media.Kind { return media.KindAudio }
func (a *AudioTrack) Label() string    { return "Mock Microphone" }
func (a *AudioTrack) SampleRate() int  { return a.rate }

// Enabled implements [media.Track].
func (a *AudioTrack) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// SetEnabled implements [media.Track].
func (a *AudioTrack) SetEnabled(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = v
}

// Stop implements [media.Track].
func (a *AudioTrack) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CallCountStop++
	a.stopped = true
}

// Stopped reports whether Stop was called.
func (a *AudioTrack) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// Tap implements [media.AudioTrack].
func (a *AudioTrack) Tap(fn func([]float32)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.taps == nil {
		a.taps = make(map[int]func([]float32))
	}
	id := a.nextTap
	a.nextTap++
	a.taps[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.taps, id)
	}
}

// Taps returns the number of registered taps.
func (a *AudioTrack) Taps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.taps)
}

// Emit delivers block to every tap, as the device callback would.
func (a *AudioTrack) Emit(block []float32) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	if !a.enabled {
		block = make([]float32, len(block))
	}
	fns := make([]func([]float32), 0, len(a.taps))
	for _, fn := range a.taps {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(block)
	}
}

// ─── VideoTrack ───────────────────────────────────────────────────────────────

// VideoTrack is a mock camera backed by ffmpeg's lavfi test source.
type VideoTrack struct {
	mu      sync.Mutex
	id      string
	enabled bool
	stopped bool
}

func (v *VideoTrack) ID() string       { return v.id }
func (v *VideoTrack) Kind() media.Kind { return media.KindVideo }
func (v *VideoTrack) Label() string    { return "Mock Camera" }

// InputArgs implements [media.VideoTrack].
func (v *VideoTrack) InputArgs() []string {
	return []string{"-f", "lavfi", "-i", "testsrc=size=320x240:rate=15"}
}

// Enabled implements [media.Track].
func (v *VideoTrack) Enabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.enabled && !v.stopped
}

// SetEnabled implements [media.Track].
func (v *VideoTrack) SetEnabled(e bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enabled = e
}

// Stop implements [media.Track].
func (v *VideoTrack) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop was called.
func (v *VideoTrack) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}
