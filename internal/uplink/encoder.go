// Package uplink carries captured microphone audio to the remote agent.
//
// Capture happens on the audio device's real-time thread. The [Encoder] runs
// there: it converts each block to PCM16 and hands it to a bounded channel
// without ever blocking. The [Transmitter] drains that channel on an ordinary
// goroutine and applies the mute and connection gates before sending.
package uplink

import (
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
)

// Encoder converts fixed-size float blocks into PCM16 frames.
type Encoder struct {
	out        chan<- audio.AudioFrame
	sampleRate int

	// offset is only touched by the capture thread.
	offset int

	captured atomic.Uint64
	dropped  atomic.Uint64
}

// NewEncoder returns an Encoder that delivers frames to out. Frames are
// dropped when out is full.
func NewEncoder(out chan<- audio.AudioFrame, sampleRate int) *Encoder {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	return &Encoder{out: out, sampleRate: sampleRate}
}

// Process encodes one block. It copies block, never blocks and is meant to be
// called from the capture callback only.
func (e *Encoder) Process(block []float32) {
	frame := audio.AudioFrame{
		Data:       audio.EncodePCM16(make([]byte, len(block)*audio.BytesPerSample), block),
		SampleRate: e.sampleRate,
		Channels:   audio.Channels,
		Timestamp:  audio.Duration(e.offset, e.sampleRate),
	}
	e.offset += len(block)
	e.captured.Add(1)

	select {
	case e.out <- frame:
	default:
		e.dropped.Add(1)
	}
}

// Captured returns the number of blocks processed.
func (e *Encoder) Captured() uint64 { return e.captured.Load() }

// Dropped returns the number of frames lost to a full queue.
func (e *Encoder) Dropped() uint64 { return e.dropped.Load() }
