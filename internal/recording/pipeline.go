package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/media"
)

// Pipeline owns the negotiated recorder and the chunks it has emitted.
type Pipeline struct {
	rec  Recorder
	opts Options

	mu     sync.Mutex
	mime   string
	chunks [][]byte
	size   int

	stopOnce sync.Once
	stopErr  error
}

// Negotiate tries codecs in order and starts the first recorder whose codec
// accepts stream. A codec that fails its check or fails to start is skipped.
// When none starts the error wraps [ErrRecordingUnavailable].
func Negotiate(ctx context.Context, stream media.Stream, codecs []Codec, opts Options) (*Pipeline, error) {
	if len(codecs) == 0 {
		return nil, fmt.Errorf("%w: empty codec list", ErrRecordingUnavailable)
	}
	opts = opts.withDefaults()
	p := &Pipeline{opts: opts}

	cfg := resilience.FallbackConfig{
		NoBreaker: true,
		OnFailure: func(name string, err error) {
			slog.Debug("recording: codec rejected", "mime", name, "err", err)
		},
	}
	group := resilience.NewFallbackGroup(codecs[0], codecs[0].MimeType, cfg)
	for _, c := range codecs[1:] {
		group.AddFallback(c.MimeType, c)
	}

	rec, err := resilience.ExecuteWithResult(group, func(c Codec) (Recorder, error) {
		if err := c.Check(ctx, stream, opts); err != nil {
			return nil, err
		}
		r, err := c.New(stream, opts)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.mime = r.MimeType()
		p.mu.Unlock()
		if err := r.Start(p.append); err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: tried %v: %v", ErrRecordingUnavailable, group.Names(), err)
	}
	p.rec = rec
	slog.Info("recording started", "mime", rec.MimeType(), "timeslice", opts.Timeslice)
	return p, nil
}

// MimeType returns the negotiated container type.
func (p *Pipeline) MimeType() string { return p.rec.MimeType() }

func (p *Pipeline) append(chunk []byte) {
	p.mu.Lock()
	p.chunks = append(p.chunks, chunk)
	p.size += len(chunk)
	mime := p.mime
	p.mu.Unlock()
	p.opts.Metrics.RecordingBytes.Add(context.Background(), int64(len(chunk)),
		metric.WithAttributes(observe.Attr("mime", mime)))
}

// Chunks returns how many chunks have arrived so far.
func (p *Pipeline) Chunks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

// Finalize stops the recorder, waits until its last chunk has arrived and
// concatenates every chunk in arrival order. Calling it again returns the
// same data.
func (p *Pipeline) Finalize(ctx context.Context) (Blob, error) {
	p.stop(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	data := make([]byte, 0, p.size)
	for _, c := range p.chunks {
		data = append(data, c...)
	}
	blob := Blob{MimeType: p.rec.MimeType(), Data: data, Chunks: len(p.chunks)}
	if p.stopErr != nil {
		return blob, fmt.Errorf("recording: finalize: %w", p.stopErr)
	}
	return blob, nil
}

// Abort tears the recorder down without waiting for the container to be
// completed. Safe to call after Finalize and more than once.
func (p *Pipeline) Abort() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.stop(ctx)
}

func (p *Pipeline) stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.stopErr = p.rec.Stop(ctx)
		if p.stopErr != nil && !errors.Is(p.stopErr, context.Canceled) {
			slog.Warn("recording: recorder stopped with error", "mime", p.rec.MimeType(), "err", p.stopErr)
		}
	})
}

// ProbeResult is the outcome of checking one codec.
type ProbeResult struct {
	MimeType string
	Err      error
}

// Probe checks every codec against stream without recording anything.
func Probe(ctx context.Context, stream media.Stream, codecs []Codec, opts Options) []ProbeResult {
	opts = opts.withDefaults()
	out := make([]ProbeResult, len(codecs))
	for i, c := range codecs {
		out[i] = ProbeResult{MimeType: c.MimeType, Err: c.Check(ctx, stream, opts)}
	}
	return out
}
