// Package recording captures a session's local media into a single
// container blob.
//
// A [Pipeline] is negotiated once per session: codecs are tried in
// preference order and the first one that can record the stream wins. The
// winning [Recorder] emits encoded chunks at a fixed timeslice; the pipeline
// keeps them in arrival order. Finalising stops the recorder, waits for its
// last chunk and only then concatenates, so the blob is always a complete
// container.
package recording

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/media"
)

// Sentinel errors.
var (
	// ErrCodecUnavailable is returned by a codec's Check when it cannot
	// record the given stream on this machine.
	ErrCodecUnavailable = errors.New("recording: codec unavailable")

	// ErrRecordingUnavailable is returned by [Negotiate] when no codec in
	// the list could start.
	ErrRecordingUnavailable = errors.New("recording: no supported codec")

	// ErrNoAudio is returned for streams without a microphone track.
	ErrNoAudio = errors.New("recording: stream has no audio track")
)

// Container MIME types, in the default preference order.
const (
	MimeWebM     = "video/webm;codecs=vp9,opus"
	MimeMatroska = "video/x-matroska"
	MimeOggOpus  = "audio/ogg;codecs=opus"
	MimeWAV      = "audio/wav"
)

// DefaultPreference is the codec order used when none is configured.
var DefaultPreference = []string{MimeWebM, MimeMatroska, MimeOggOpus, MimeWAV}

// Options shapes every recorder.
type Options struct {
	// Timeslice is the chunk emission interval. Default: 1s.
	Timeslice time.Duration

	// FFmpegPath is the ffmpeg binary used by container codecs. Default:
	// "ffmpeg" from PATH.
	FFmpegPath string

	// Metrics receives chunk and byte counts. Default:
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (o Options) withDefaults() Options {
	if o.Timeslice <= 0 {
		o.Timeslice = time.Second
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.Metrics == nil {
		o.Metrics = observe.DefaultMetrics()
	}
	return o
}

// Recorder encodes a stream into one container.
type Recorder interface {
	// MimeType is the container type of the emitted bytes.
	MimeType() string

	// Start begins recording. onChunk receives encoded data at roughly the
	// configured timeslice, sequentially, never after Stop returns.
	Start(onChunk func([]byte)) error

	// Stop ends recording and blocks until the final chunk has been
	// delivered. If ctx ends first the recorder is torn down and the
	// output is incomplete.
	Stop(ctx context.Context) error
}

// Codec is one entry of the negotiation chain.
type Codec struct {
	// MimeType identifies the codec and container.
	MimeType string

	// Check reports whether the codec can record stream here. Errors wrap
	// [ErrCodecUnavailable].
	Check func(ctx context.Context, stream media.Stream, opts Options) error

	// New builds an unstarted recorder.
	New func(stream media.Stream, opts Options) (Recorder, error)
}

// Builtin returns the codec registered for mime.
func Builtin(mime string) (Codec, bool) {
	switch mime {
	case MimeWebM:
		return ffmpegCodec(MimeWebM, webmOutputArgs, webmEncoders), true
	case MimeMatroska:
		return ffmpegCodec(MimeMatroska, matroskaOutputArgs, nil), true
	case MimeOggOpus:
		return Codec{MimeType: MimeOggOpus, Check: checkOpus, New: newOpusRecorder}, true
	case MimeWAV:
		return Codec{MimeType: MimeWAV, Check: checkAudio, New: newWAVRecorder}, true
	default:
		return Codec{}, false
	}
}

// Lookup resolves a preference list of MIME types to codecs. An empty list
// resolves [DefaultPreference].
func Lookup(mimes []string) ([]Codec, error) {
	if len(mimes) == 0 {
		mimes = DefaultPreference
	}
	out := make([]Codec, 0, len(mimes))
	for _, m := range mimes {
		c, ok := Builtin(m)
		if !ok {
			return nil, fmt.Errorf("recording: unknown codec %q", m)
		}
		out = append(out, c)
	}
	return out, nil
}

// Blob is a finished recording.
type Blob struct {
	MimeType string
	Data     []byte

	// Chunks is the number of chunks concatenated into Data.
	Chunks int
}

// Extension returns the conventional file extension for the blob's type.
func (b Blob) Extension() string {
	switch b.MimeType {
	case MimeWebM:
		return ".webm"
	case MimeMatroska:
		return ".mkv"
	case MimeOggOpus:
		return ".ogg"
	case MimeWAV:
		return ".wav"
	default:
		return ".bin"
	}
}

// firstAudio returns the stream's microphone track.
func firstAudio(stream media.Stream) (media.AudioTrack, error) {
	tracks := stream.AudioTracks()
	if len(tracks) == 0 {
		return nil, ErrNoAudio
	}
	return tracks[0], nil
}

func checkAudio(_ context.Context, stream media.Stream, _ Options) error {
	if _, err := firstAudio(stream); err != nil {
		return fmt.Errorf("%w: %v", ErrCodecUnavailable, err)
	}
	return nil
}
