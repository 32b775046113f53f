// Package device opens the local sound card through miniaudio (malgo).
//
// Both directions use mono float32 at the configured rate; miniaudio
// converts to and from the hardware format. Capture delivers fixed-size
// blocks to taps on the device's real-time thread. Playback pulls from a
// [mixer.Timeline], whose render position is the output clock.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrNotFound is returned when a named device does not exist.
var ErrNotFound = errors.New("device: not found")

// Info describes one sound device.
type Info struct {
	Name      string
	IsDefault bool
}

// Config selects and shapes a device.
type Config struct {
	// Name of the device. Empty selects the system default.
	Name string

	// SampleRate in Hz. Default: [audio.SampleRate].
	SampleRate int

	// BlockSize is the number of frames per capture block and the
	// requested period size. Default: 480 (20 ms at 24 kHz).
	BlockSize int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.SampleRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 480
	}
	return c
}

// Context owns the miniaudio backend. One per process is enough.
type Context struct {
	ctx       *malgo.AllocatedContext
	closeOnce sync.Once
}

// NewContext initialises miniaudio with the platform's default backends.
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the backend. Devices opened from it must be closed first.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ctx.Uninit()
		c.ctx.Free()
	})
	return err
}

// Captures lists input devices.
func (c *Context) Captures() ([]Info, error) { return c.list(malgo.Capture) }

// Playbacks lists output devices.
func (c *Context) Playbacks() ([]Info, error) { return c.list(malgo.Playback) }

func (c *Context) list(kind malgo.DeviceType) ([]Info, error) {
	infos, err := c.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("device: enumerate: %w", err)
	}
	out := make([]Info, 0, len(infos))
	for _, i := range infos {
		out = append(out, Info{Name: i.Name(), IsDefault: i.IsDefault != 0})
	}
	return out, nil
}

// find returns the ID of the named device, or nil for the default one.
func (c *Context) find(kind malgo.DeviceType, name string) (*malgo.DeviceID, error) {
	if name == "" {
		return nil, nil
	}
	infos, err := c.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("device: enumerate: %w", err)
	}
	for i := range infos {
		if infos[i].Name() == name {
			id := infos[i].ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}
