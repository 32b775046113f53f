// Package local acquires the machine's own microphone and camera.
//
// The microphone is opened through miniaudio. The camera is never read
// in-process: acquiring it runs a one-frame ffmpeg probe against the
// configured input, and recorders later open the same input themselves.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/media"
)

// Compile-time interface assertion.
var _ media.Devices = (*Devices)(nil)

// Config selects the local devices.
type Config struct {
	// Microphone is the capture device name. Empty selects the default.
	Microphone string

	// SampleRate and BlockSize shape the capture blocks.
	SampleRate int
	BlockSize  int

	// FFmpegPath is the ffmpeg binary. Default: "ffmpeg" from PATH.
	FFmpegPath string

	// CameraInput holds the ffmpeg input options for the camera, ending with
	// "-i <device>". Empty uses [DefaultCameraInput] for the running OS.
	CameraInput []string
}

// DefaultCameraInput returns ffmpeg input options for the first camera on
// goos, or nil when the platform has no known default.
func DefaultCameraInput(goos string) []string {
	switch goos {
	case "linux":
		return []string{"-f", "v4l2", "-framerate", "30", "-i", "/dev/video0"}
	case "darwin":
		return []string{"-f", "avfoundation", "-framerate", "30", "-i", "0:none"}
	default:
		return nil
	}
}

// Devices implements [media.Devices] for the local machine.
type Devices struct {
	ctx *device.Context
	cfg Config
	seq atomic.Uint64
}

// New returns local devices backed by ctx.
func New(ctx *device.Context, cfg Config) *Devices {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if len(cfg.CameraInput) == 0 {
		cfg.CameraInput = DefaultCameraInput(runtime.GOOS)
	}
	return &Devices{ctx: ctx, cfg: cfg}
}

// GetUserMedia implements [media.Devices]. The camera is probed first so a
// refused camera never leaves the microphone open.
func (d *Devices) GetUserMedia(ctx context.Context, c media.Constraints) (media.Stream, error) {
	s := &stream{}

	if c.Video {
		if len(d.cfg.CameraInput) == 0 {
			return nil, fmt.Errorf("%w: no camera input for %s", media.ErrNoDevice, runtime.GOOS)
		}
		if err := d.probeCamera(ctx); err != nil {
			return nil, fmt.Errorf("%w: camera: %v", media.ErrPermissionDenied, err)
		}
		s.video = &videoTrack{
			id:    d.nextID("cam"),
			label: d.cfg.CameraInput[len(d.cfg.CameraInput)-1],
			args:  append([]string(nil), d.cfg.CameraInput...),
		}
		s.video.enabled.Store(true)
	}

	if c.Audio {
		cp, err := d.ctx.OpenCapture(device.Config{
			Name:       d.cfg.Microphone,
			SampleRate: d.cfg.SampleRate,
			BlockSize:  d.cfg.BlockSize,
		})
		if err != nil {
			if errors.Is(err, device.ErrNotFound) {
				return nil, fmt.Errorf("%w: microphone: %v", media.ErrNoDevice, err)
			}
			return nil, fmt.Errorf("%w: microphone: %v", media.ErrPermissionDenied, err)
		}
		s.audio = &audioTrack{id: d.nextID("mic"), cp: cp}
	}

	return s, nil
}

func (d *Devices) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, d.seq.Add(1))
}

// probeCamera grabs a single frame and discards it.
func (d *Devices) probeCamera(ctx context.Context) error {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, d.cfg.CameraInput...)
	args = append(args, "-frames:v", "1", "-f", "null", "-")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.cfg.FFmpegPath, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := lastLine(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	audio *audioTrack
	video *videoTrack
}

func (s *stream) AudioTracks() []media.AudioTrack {
	if s.audio == nil {
		return nil
	}
	return []media.AudioTrack{s.audio}
}

func (s *stream) VideoTracks() []media.VideoTrack {
	if s.video == nil {
		return nil
	}
	return []media.VideoTrack{s.video}
}

func (s *stream) Stop() {
	if s.audio != nil {
		s.audio.Stop()
	}
	if s.video != nil {
		s.video.Stop()
	}
}

// ── tracks ─────────────────────────────────────────────────────────────────────

type audioTrack struct {
	id       string
	cp       *device.Capture
	stopOnce sync.Once
}

func (a *audioTrack) ID() string                    { return a.id }
func (a *audioTrack) Kind() media.Kind              { return media.KindAudio }
func (a *audioTrack) Label() string                 { return a.cp.Name() }
func (a *audioTrack) Enabled() bool                 { return a.cp.Enabled() }
func (a *audioTrack) SetEnabled(v bool)             { a.cp.SetEnabled(v) }
func (a *audioTrack) SampleRate() int               { return a.cp.SampleRate() }
func (a *audioTrack) Tap(fn func([]float32)) func() { return a.cp.Tap(fn) }

func (a *audioTrack) Stop() {
	a.stopOnce.Do(func() { _ = a.cp.Close() })
}

type videoTrack struct {
	id      string
	label   string
	args    []string
	enabled atomic.Bool
	stopped atomic.Bool
}

func (v *videoTrack) ID() string          { return v.id }
func (v *videoTrack) Kind() media.Kind    { return media.KindVideo }
func (v *videoTrack) Label() string       { return v.label }
func (v *videoTrack) Enabled() bool       { return v.enabled.Load() && !v.stopped.Load() }
func (v *videoTrack) SetEnabled(e bool)   { v.enabled.Store(e) }
func (v *videoTrack) InputArgs() []string { return append([]string(nil), v.args...) }
func (v *videoTrack) Stop()               { v.stopped.Store(true) }
