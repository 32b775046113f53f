package recording

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/media"
)

// feedDepth bounds the PCM blocks queued between the capture thread and an
// encoder: about five seconds of 20 ms blocks.
const feedDepth = 256

// pcmFeed taps a microphone and queues its blocks as PCM16 for an encoder
// goroutine. The tap never blocks the capture thread; blocks are dropped
// when the encoder falls behind.
type pcmFeed struct {
	ch      chan []byte
	remove  func()
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func tapPCM(track media.AudioTrack) *pcmFeed {
	f := &pcmFeed{ch: make(chan []byte, feedDepth)}
	f.remove = track.Tap(f.push)
	return f
}

func (f *pcmFeed) push(block []float32) {
	pcm := audio.EncodePCM16(make([]byte, len(block)*audio.BytesPerSample), block)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- pcm:
	default:
		f.dropped.Add(1)
	}
}

// Close detaches the tap and closes the queue. Blocks already queued can
// still be drained.
func (f *pcmFeed) Close() {
	f.remove()
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}
