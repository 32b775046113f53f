// Package media defines the capture devices a voice session acquires: a
// microphone track that delivers fixed-size sample blocks and an optional
// camera track that recorders read through ffmpeg.
package media

import (
	"context"
	"errors"
)

// Sentinel errors returned by [Devices.GetUserMedia].
var (
	// ErrPermissionDenied is returned when a device exists but may not be
	// opened, or did not answer within the permission timeout.
	ErrPermissionDenied = errors.New("media: permission denied")

	// ErrNoDevice is returned when no device of the requested kind exists.
	ErrNoDevice = errors.New("media: no device")
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is one acquired capture device.
type Track interface {
	// ID is unique within the process.
	ID() string

	// Kind reports whether the track carries audio or video.
	Kind() Kind

	// Label is the human-readable device name.
	Label() string

	// Enabled reports whether the track currently produces real samples.
	Enabled() bool

	// SetEnabled switches between real samples and silence without
	// releasing the device.
	SetEnabled(bool)

	// Stop releases the device. Idempotent.
	Stop()
}

// AudioTrack is a microphone. Blocks are mono float32 at SampleRate.
type AudioTrack interface {
	Track

	// SampleRate in Hz.
	SampleRate() int

	// Tap registers fn to receive every captured block. fn runs on the
	// device's real-time thread, must not block and must copy the block if
	// it keeps it. The returned function removes the tap.
	Tap(fn func(block []float32)) (remove func())
}

// VideoTrack is a camera. The frames are not read in-process; recorders
// hand InputArgs to ffmpeg.
type VideoTrack interface {
	Track

	// InputArgs returns the ffmpeg input options that open this camera,
	// ending with the "-i" argument.
	InputArgs() []string
}

// Stream is the set of tracks acquired by one GetUserMedia call.
type Stream interface {
	AudioTracks() []AudioTrack
	VideoTracks() []VideoTrack

	// Stop stops every track. Idempotent.
	Stop()
}

// Constraints selects the devices to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Devices opens capture devices.
type Devices interface {
	// GetUserMedia acquires every requested device or none of them.
	// Errors wrap [ErrPermissionDenied] or [ErrNoDevice].
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
}

// HasVideo reports whether s carries at least one enabled camera track.
func HasVideo(s Stream) bool {
	for _, v := range s.VideoTracks() {
		if v.Enabled() {
			return true
		}
	}
	return false
}

// SetAudioEnabled enables or disables every microphone track of s.
func SetAudioEnabled(s Stream, enabled bool) {
	for _, a := range s.AudioTracks() {
		a.SetEnabled(enabled)
	}
}
