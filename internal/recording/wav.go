package recording

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/MrWong99/parley/pkg/media"
)

// streamingSize marks RIFF and data sizes that are unknown when the header
// is written. Players read such files to EOF.
const streamingSize = 0xFFFFFFFF

// wavHeader is the canonical 44-byte PCM header.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// newWAVHeader returns a mono 16-bit header. dataSize may be streamingSize.
func newWAVHeader(sampleRate int, dataSize uint32) wavHeader {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	chunkSize := uint32(streamingSize)
	if dataSize != streamingSize {
		chunkSize = 36 + dataSize
	}
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     chunkSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * channels * bitsPerSample / 8,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// wavRecorder writes the microphone as uncompressed PCM. It needs nothing
// beyond the audio track, so it is the last resort of the chain.
type wavRecorder struct {
	track media.AudioTrack
	opts  Options

	feed  *pcmFeed
	out   *chunker
	done  chan struct{}
	bytes uint64
}

func newWAVRecorder(stream media.Stream, opts Options) (Recorder, error) {
	track, err := firstAudio(stream)
	if err != nil {
		return nil, err
	}
	return &wavRecorder{track: track, opts: opts.withDefaults()}, nil
}

func (r *wavRecorder) MimeType() string { return MimeWAV }

func (r *wavRecorder) Start(onChunk func([]byte)) error {
	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, newWAVHeader(r.track.SampleRate(), streamingSize)); err != nil {
		return fmt.Errorf("recording: wav header: %w", err)
	}

	r.out = newChunker(r.opts.Timeslice, onChunk)
	_, _ = r.out.Write(hdr.Bytes())
	r.done = make(chan struct{})
	r.feed = tapPCM(r.track)

	go func() {
		defer close(r.done)
		for pcm := range r.feed.ch {
			_, _ = r.out.Write(pcm)
			r.bytes += uint64(len(pcm))
		}
	}()
	return nil
}

func (r *wavRecorder) Stop(ctx context.Context) error {
	r.feed.Close()
	select {
	case <-r.done:
	case <-ctx.Done():
		r.out.Close()
		return fmt.Errorf("recording: wav stop: %w", ctx.Err())
	}
	r.out.Close()
	slog.Debug("recording: wav finished", "pcm_bytes", r.bytes, "dropped_blocks", r.feed.dropped.Load())
	return nil
}
