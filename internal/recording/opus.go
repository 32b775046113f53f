package recording

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/media"
)

const (
	// opusFrameMs is the Opus frame duration.
	opusFrameMs = 20

	// opusMaxPacket bounds a single encoded packet.
	opusMaxPacket = 4000

	// opusPreSkip is the encoder lookahead in 48 kHz samples.
	opusPreSkip = 312

	// opusGranuleRate is the fixed granule clock of Ogg Opus.
	opusGranuleRate = 48000
)

// opusRates are the input rates libopus accepts.
var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

func checkOpus(ctx context.Context, stream media.Stream, opts Options) error {
	if err := checkAudio(ctx, stream, opts); err != nil {
		return err
	}
	track, _ := firstAudio(stream)
	if !opusRates[track.SampleRate()] {
		return fmt.Errorf("%w: opus cannot encode %d Hz", ErrCodecUnavailable, track.SampleRate())
	}
	enc, err := gopus.NewEncoder(track.SampleRate(), 1, gopus.Voip)
	if err != nil || enc == nil {
		return fmt.Errorf("%w: opus encoder: %v", ErrCodecUnavailable, err)
	}
	return nil
}

// opusRecorder encodes the microphone in-process and wraps the packets in
// Ogg pages. It needs no external tools.
type opusRecorder struct {
	track media.AudioTrack
	opts  Options
	rate  int

	enc   *gopus.Encoder
	ogg   *oggWriter
	feed  *pcmFeed
	out   *chunker
	done  chan struct{}
	err   error
	pkts  int
	frame int
}

func newOpusRecorder(stream media.Stream, opts Options) (Recorder, error) {
	track, err := firstAudio(stream)
	if err != nil {
		return nil, err
	}
	rate := track.SampleRate()
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("recording: create opus encoder: %w", err)
	}
	return &opusRecorder{
		track: track,
		opts:  opts.withDefaults(),
		rate:  rate,
		enc:   enc,
		frame: rate * opusFrameMs / 1000,
	}, nil
}

func (r *opusRecorder) MimeType() string { return MimeOggOpus }

func (r *opusRecorder) Start(onChunk func([]byte)) error {
	r.out = newChunker(r.opts.Timeslice, onChunk)
	r.ogg = newOggWriter(r.out, rand.Uint32())

	if err := r.ogg.WritePacket(opusHead(r.rate), 0, oggBOS); err != nil {
		r.out.Close()
		return fmt.Errorf("recording: opus head: %w", err)
	}
	if err := r.ogg.WritePacket(opusTags(), 0, 0); err != nil {
		r.out.Close()
		return fmt.Errorf("recording: opus tags: %w", err)
	}

	r.done = make(chan struct{})
	r.feed = tapPCM(r.track)
	go r.encodeLoop()
	return nil
}

// encodeLoop slices the PCM feed into Opus frames. The last frame is padded
// with silence and carries the end-of-stream flag.
func (r *opusRecorder) encodeLoop() {
	defer close(r.done)

	var (
		pending []int16
		scratch []int16
		granule uint64
	)
	step := uint64(opusGranuleRate * opusFrameMs / 1000)

	for pcm := range r.feed.ch {
		scratch = audio.PCM16ToInt16(scratch, pcm)
		pending = append(pending, scratch...)
		for len(pending) >= r.frame {
			packet, err := r.enc.Encode(pending[:r.frame], r.frame, opusMaxPacket)
			pending = pending[r.frame:]
			if err != nil {
				r.err = fmt.Errorf("recording: opus encode: %w", err)
				continue
			}
			granule += step
			if err := r.ogg.WritePacket(packet, granule, 0); err != nil {
				r.err = err
			}
			r.pkts++
		}
		// Keep the backing array from growing without bound.
		pending = append(pending[:0:0], pending...)
	}

	last := make([]int16, r.frame)
	copy(last, pending)
	packet, err := r.enc.Encode(last, r.frame, opusMaxPacket)
	if err != nil {
		r.err = fmt.Errorf("recording: opus encode: %w", err)
		return
	}
	granule += step
	if err := r.ogg.WritePacket(packet, granule, oggEOS); err != nil {
		r.err = err
	}
	r.pkts++
}

func (r *opusRecorder) Stop(ctx context.Context) error {
	r.feed.Close()
	select {
	case <-r.done:
	case <-ctx.Done():
		r.out.Close()
		return fmt.Errorf("recording: opus stop: %w", ctx.Err())
	}
	r.out.Close()
	slog.Debug("recording: opus finished", "packets", r.pkts, "dropped_blocks", r.feed.dropped.Load())
	return r.err
}

// opusHead builds the identification header (RFC 7845 section 5.1).
func opusHead(inputRate int) []byte {
	var b bytes.Buffer
	b.WriteString("OpusHead")
	b.WriteByte(1) // version
	b.WriteByte(1) // channels
	_ = binary.Write(&b, binary.LittleEndian, uint16(opusPreSkip))
	_ = binary.Write(&b, binary.LittleEndian, uint32(inputRate))
	_ = binary.Write(&b, binary.LittleEndian, int16(0)) // output gain
	b.WriteByte(0)                                       // mapping family
	return b.Bytes()
}

// opusTags builds the comment header (RFC 7845 section 5.2).
func opusTags() []byte {
	const vendor = "parley"
	var b bytes.Buffer
	b.WriteString("OpusTags")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(vendor)))
	b.WriteString(vendor)
	_ = binary.Write(&b, binary.LittleEndian, uint32(0))
	return b.Bytes()
}
