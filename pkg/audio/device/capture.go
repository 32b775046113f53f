package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

type tap struct {
	id int
	fn func([]float32)
}

// Capture is an open microphone.
type Capture struct {
	dev  *malgo.Device
	name string
	rate int

	enabled atomic.Bool
	taps    atomic.Pointer[[]tap]
	tapMu   sync.Mutex
	nextTap int

	// Owned by the device callback.
	scratch []float32
	block   []float32
	fill    int

	stopOnce sync.Once
}

// OpenCapture opens and starts a capture device. Blocks are delivered to
// taps as soon as it returns.
func (c *Context) OpenCapture(cfg Config) (*Capture, error) {
	cfg = cfg.withDefaults()
	id, err := c.find(malgo.Capture, cfg.Name)
	if err != nil {
		return nil, err
	}

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = 1
	if id != nil {
		dc.Capture.DeviceID = id.Pointer()
	}
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.BlockSize)
	dc.Alsa.NoMMap = 1

	cp := &Capture{
		name:    cfg.Name,
		rate:    cfg.SampleRate,
		scratch: make([]float32, 4*cfg.BlockSize),
		block:   make([]float32, cfg.BlockSize),
	}
	cp.enabled.Store(true)
	cp.taps.Store(&[]tap{})
	if cp.name == "" {
		cp.name = "default"
	}

	dev, err := malgo.InitDevice(c.ctx.Context, dc, malgo.DeviceCallbacks{Data: cp.onData})
	if err != nil {
		return nil, fmt.Errorf("device: open capture: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start capture: %w", err)
	}
	cp.dev = dev
	return cp, nil
}

// Name returns the device name.
func (c *Capture) Name() string { return c.name }

// SampleRate returns the block rate in Hz.
func (c *Capture) SampleRate() int { return c.rate }

// BlockSize returns the number of frames per block.
func (c *Capture) BlockSize() int { return len(c.block) }

// SetEnabled switches between real input and silence.
func (c *Capture) SetEnabled(v bool) { c.enabled.Store(v) }

// Enabled reports whether real input is delivered.
func (c *Capture) Enabled() bool { return c.enabled.Load() }

// Tap registers fn for every block. See [media.AudioTrack.Tap].
func (c *Capture) Tap(fn func([]float32)) func() {
	c.tapMu.Lock()
	defer c.tapMu.Unlock()
	id := c.nextTap
	c.nextTap++
	old := *c.taps.Load()
	next := make([]tap, len(old), len(old)+1)
	copy(next, old)
	next = append(next, tap{id: id, fn: fn})
	c.taps.Store(&next)

	return func() {
		c.tapMu.Lock()
		defer c.tapMu.Unlock()
		cur := *c.taps.Load()
		kept := make([]tap, 0, len(cur))
		for _, t := range cur {
			if t.id != id {
				kept = append(kept, t)
			}
		}
		c.taps.Store(&kept)
	}
}

// Close stops the device and releases it. Idempotent.
func (c *Capture) Close() error {
	var err error
	c.stopOnce.Do(func() {
		err = c.dev.Stop()
		c.dev.Uninit()
	})
	return err
}

// onData runs on the real-time thread. It regroups whatever the driver
// delivers into blocks of exactly BlockSize frames.
func (c *Capture) onData(_, in []byte, _ uint32) {
	samples := audio.DecodeFloat32LE(c.scratch, in)
	c.scratch = samples[:cap(samples)]
	for len(samples) > 0 {
		n := copy(c.block[c.fill:], samples)
		c.fill += n
		samples = samples[n:]
		if c.fill == len(c.block) {
			c.emit()
			c.fill = 0
		}
	}
}

func (c *Capture) emit() {
	if !c.enabled.Load() {
		clear(c.block)
	}
	for _, t := range *c.taps.Load() {
		t.fn(c.block)
	}
}
