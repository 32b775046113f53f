// Package audio defines the sample formats shared by the capture, playback
// and recording paths, together with the PCM16 conversions used on the wire.
package audio

import "time"

// Wire format of the realtime voice protocol: 24 kHz mono, 16-bit
// little-endian PCM.
const (
	SampleRate     = 24000
	Channels       = 1
	BytesPerSample = 2
)

// AudioFrame is one encoded block of captured audio on its way to the remote
// agent. Frames are produced on the device callback and consumed by the
// transmitter.
type AudioFrame struct {
	// PCM16 little-endian mono data.
	Data []byte

	// SampleRate in Hz. Always [SampleRate] on the uplink.
	SampleRate int

	// Channels is 1 for every frame this client produces.
	Channels int

	// Timestamp marks the capture offset of the first sample, relative to
	// the start of the capture stream.
	Timestamp time.Duration
}

// Duration returns the play length of n samples at rate Hz.
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
