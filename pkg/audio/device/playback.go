package device

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mixer"
)

// Playback is an open output device. It satisfies the playback scheduler's
// output contract: Now is the number of frames the device has consumed.
type Playback struct {
	dev *malgo.Device
	tl  *mixer.Timeline

	// Owned by the device callback.
	scratch []float32

	closeOnce sync.Once
}

// OpenPlayback opens and starts an output device that plays silence until
// buffers are scheduled.
func (c *Context) OpenPlayback(cfg Config) (*Playback, error) {
	cfg = cfg.withDefaults()
	id, err := c.find(malgo.Playback, cfg.Name)
	if err != nil {
		return nil, err
	}

	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.Playback.Format = malgo.FormatF32
	dc.Playback.Channels = 1
	if id != nil {
		dc.Playback.DeviceID = id.Pointer()
	}
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.BlockSize)
	dc.Alsa.NoMMap = 1

	p := &Playback{
		tl:      mixer.NewTimeline(),
		scratch: make([]float32, 4*cfg.BlockSize),
	}
	dev, err := malgo.InitDevice(c.ctx.Context, dc, malgo.DeviceCallbacks{Data: p.onData})
	if err != nil {
		return nil, fmt.Errorf("device: open playback: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start playback: %w", err)
	}
	p.dev = dev
	return p, nil
}

// Now returns the number of frames played.
func (p *Playback) Now() int64 { return p.tl.Now() }

// Schedule queues samples at frame at.
func (p *Playback) Schedule(samples []float32, at int64) { p.tl.Schedule(samples, at) }

// Clear drops queued audio.
func (p *Playback) Clear() { p.tl.Clear() }

// Close stops the device. Idempotent.
func (p *Playback) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.dev.Stop()
		p.dev.Uninit()
	})
	return err
}

// onData runs on the real-time thread.
func (p *Playback) onData(out, _ []byte, frames uint32) {
	n := int(frames)
	if cap(p.scratch) < n {
		p.scratch = make([]float32, n)
	}
	buf := p.scratch[:n]
	p.tl.Render(buf)
	audio.EncodeFloat32LE(out, buf)
}
