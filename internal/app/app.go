// Package app wires all parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run holds one conversation and serves telemetry, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithDevices, WithDialer, WithBackend, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/archive"
	"github.com/MrWong99/parley/pkg/archive/postgres"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/media"
	"github.com/MrWong99/parley/pkg/media/local"
	"github.com/MrWong99/parley/pkg/realtime"
	"github.com/MrWong99/parley/pkg/transcript"
)

// shutdownGrace bounds the telemetry server shutdown.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes for one conversation.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics    *observe.Metrics
	devices    media.Devices
	openOutput func() (session.Output, error)
	dial       session.Dialer
	backend    session.Backend
	codecs     []recording.Codec
	codecsSet  bool
	archive    archive.Store
	ctrl       *session.Controller

	in  io.Reader
	out io.Writer

	// telemetry serves /metrics and the health routes.
	telemetry http.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	outMu    sync.Mutex
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevices injects capture devices instead of opening local ones.
func WithDevices(d media.Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithOutput injects the playback device factory.
func WithOutput(fn func() (session.Output, error)) Option {
	return func(a *App) { a.openOutput = fn }
}

// WithDialer injects the realtime dialer.
func WithDialer(d session.Dialer) Option {
	return func(a *App) { a.dial = d }
}

// WithBackend injects the session service.
func WithBackend(b session.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithCodecs injects the recording preference list. An empty list disables
// recording.
func WithCodecs(c []recording.Codec) Option {
	return func(a *App) { a.codecs, a.codecsSet = c, true }
}

// WithArchive injects a transcript archive instead of connecting to
// PostgreSQL.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.archive = s }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithIO sets the command input and the user-facing output. Defaults are
// stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.in, a.out = in, out }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		in:  os.Stdin,
		out: os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	sessionID := cfg.Session.ID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// ── 1. Backend ───────────────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init backend: %w", err))
	}

	// ── 2. Devices ───────────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init devices: %w", err))
	}

	// ── 3. Transport ─────────────────────────────────────────────────────
	a.initDialer()

	// ── 4. Recording ─────────────────────────────────────────────────────
	if err := a.initRecording(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init recording: %w", err))
	}

	// ── 5. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init archive: %w", err))
	}

	// ── 6. Session controller ────────────────────────────────────────────
	ctrl, err := session.NewController(a.sessionConfig(sessionID), session.Deps{
		Devices:    a.devices,
		Dial:       a.dial,
		Backend:    a.backend,
		OpenOutput: a.openOutput,
		Codecs:     a.codecs,
		Archive:    a.archive,
		Metrics:    a.metrics,
	})
	if err != nil {
		return nil, a.abort(fmt.Errorf("app: %w", err))
	}
	a.ctrl = ctrl

	// ── 7. Telemetry ─────────────────────────────────────────────────────
	a.telemetry = a.telemetryHandler()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initBackend() error {
	if a.backend != nil {
		return nil
	}
	if a.cfg.DirectMode() {
		a.backend = backend.Direct{URL: a.cfg.Realtime.URL}
		slog.Info("direct mode: no session backend", "realtime_url", a.cfg.Realtime.URL)
		return nil
	}
	opts := []backend.Option{backend.WithMetrics(a.metrics)}
	if a.cfg.Backend.Timeout > 0 {
		opts = append(opts, backend.WithTimeout(a.cfg.Backend.Timeout))
	}
	c, err := backend.New(a.cfg.Backend.URL, a.cfg.Backend.Token, opts...)
	if err != nil {
		return err
	}
	a.backend = c
	return nil
}

// initDevices opens the sound system unless both capture and playback were
// injected.
func (a *App) initDevices() error {
	if a.devices != nil && a.openOutput != nil {
		return nil
	}
	dc, err := device.NewContext()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, dc.Close)

	if a.devices == nil {
		a.devices = local.New(dc, local.Config{
			Microphone:  a.cfg.Audio.InputDevice,
			SampleRate:  a.cfg.Audio.SampleRate,
			BlockSize:   a.cfg.Audio.BlockSize,
			FFmpegPath:  a.cfg.Devices.FFmpegPath,
			CameraInput: a.cfg.Devices.CameraArgs(),
		})
	}
	if a.openOutput == nil {
		pcfg := device.Config{
			Name:       a.cfg.Audio.OutputDevice,
			SampleRate: a.cfg.Audio.SampleRate,
			BlockSize:  a.cfg.Audio.BlockSize,
		}
		a.openOutput = func() (session.Output, error) {
			p, err := dc.OpenPlayback(pcfg)
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	}
	return nil
}

func (a *App) initDialer() {
	if a.dial != nil {
		return
	}
	var opts []realtime.Option
	if a.cfg.Realtime.APIKey != "" {
		opts = append(opts, realtime.WithAPIKey(a.cfg.Realtime.APIKey))
	}
	opts = append(opts, realtime.WithRejectHandler(func(data []byte, err error) {
		a.metrics.RecordProtocolError(context.Background(), "rejected")
		slog.Debug("realtime event dropped", "err", err, "bytes", len(data))
	}))
	d := realtime.NewDialer(opts...)
	timeout := a.cfg.Realtime.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	a.dial = func(ctx context.Context, url string) (session.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		c, err := d.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (a *App) initRecording() error {
	if a.codecsSet {
		return nil
	}
	if a.cfg.Recording.Disabled {
		slog.Info("recording disabled")
		return nil
	}
	codecs, err := recording.Lookup(a.cfg.Recording.Codecs)
	if err != nil {
		return err
	}
	a.codecs = codecs
	return nil
}

// initArchive connects the PostgreSQL archive when configured.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive != nil || a.cfg.Archive.PostgresDSN == "" {
		return nil
	}
	store, err := postgres.NewStore(ctx, a.cfg.Archive.PostgresDSN)
	if err != nil {
		return err
	}
	a.archive = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	return nil
}

func (a *App) sessionConfig(id string) session.Config {
	p := a.cfg.Session.Persona
	return session.Config{
		SessionID: id,
		Persona: session.Persona{
			Name:         p.Name,
			Instructions: p.Instructions,
			Voice:        p.Voice,
		},
		TranscriptionModel: a.cfg.Realtime.TranscriptionModel,
		PermissionTimeout:  a.cfg.Devices.PermissionTimeout,
		Recording: recording.Options{
			Timeslice:  a.cfg.Recording.Timeslice,
			FFmpegPath: a.cfg.Devices.FFmpegPath,
			Metrics:    a.metrics,
		},
		RecordingDir:    a.cfg.Recording.OutputDir,
		FinalizeTimeout: a.cfg.Recording.FinalizeTimeout,
		UploadTimeout:   a.cfg.Recording.UploadTimeout,
		Hooks: session.Hooks{
			OnStatus: func(s session.Status, err error) {
				if err != nil {
					a.printf("[%s] %v\n", s, err)
					return
				}
				a.printf("[%s]\n", s)
			},
			OnTranscript: func(e transcript.Entry) {
				a.printf("%s: %s\n", e.Speaker, e.Text)
			},
			OnNotice: func(msg string) {
				a.printf("! %s\n", msg)
			},
		},
	}
}

// telemetryHandler builds the telemetry mux.
func (a *App) telemetryHandler() http.Handler {
	checkers := []health.Checker{{
		Name: "session",
		Check: func(context.Context) error {
			if a.ctrl.Status() == session.StatusError {
				if err := a.ctrl.Err(); err != nil {
					return err
				}
				return errors.New("session failed")
			}
			return nil
		},
	}}
	if p, ok := a.archive.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "archive", Check: p.Ping})
	}
	h := health.New(checkers, health.WithStatus(func() any { return newStatusView(a.ctrl) }))

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	h.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// statusView is the /status body.
type statusView struct {
	SessionID      string `json:"session_id"`
	Persona        string `json:"persona,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	Muted          bool   `json:"muted"`
	Entries        int    `json:"transcript_entries"`
}

func newStatusView(c *session.Controller) statusView {
	s := c.Session()
	v := statusView{
		SessionID:      s.ID,
		Persona:        s.Persona.Name,
		Status:         string(s.Status),
		ElapsedSeconds: s.ElapsedSeconds,
		Muted:          s.Muted,
		Entries:        len(c.Transcript()),
	}
	if err := c.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the telemetry handler.
func (a *App) Handler() http.Handler { return a.telemetry }

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Run starts the session and the telemetry server and blocks until the
// conversation ends: by the "q" command, by ctx cancellation, or by a
// session failure. Ending waits for the recording upload.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(observe.WithSessionID(ctx, a.ctrl.Session().ID))
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Telemetry.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.telemetry,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext: func(net.Listener) context.Context {
				return observe.WithSessionID(context.Background(), a.ctrl.Session().ID)
			},
		}
		g.Go(func() error {
			slog.Info("telemetry server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: telemetry server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return a.runSession(gctx)
	})

	return g.Wait()
}

// command is one line of user input.
type command string

const (
	cmdMute command = "m"
	cmdQuit command = "q"
)

func (a *App) runSession(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.run")
	defer span.End()
	log := observe.Logger(ctx)

	if err := a.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	a.printf("Live. Type 'm' + Enter to toggle mute, 'q' + Enter to end.\n")

	cmds := make(chan command)
	go a.readCommands(ctx, cmds)

	for {
		select {
		case <-a.ctrl.Done():
			if err := a.ctrl.Err(); err != nil {
				return fmt.Errorf("app: session: %w", err)
			}
			return nil
		case c := <-cmds:
			switch c {
			case cmdMute:
				if a.ctrl.ToggleMute() {
					a.printf("(muted)\n")
				} else {
					a.printf("(unmuted)\n")
				}
			case cmdQuit:
				return a.end(ctx, log)
			}
		case <-ctx.Done():
			log.Info("interrupted, ending session")
			return a.end(ctx, log)
		}
	}
}

// end ends the session and waits for the upload. It outlives ctx so an
// interrupt still delivers the transcript.
func (a *App) end(ctx context.Context, log *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	res, err := a.ctrl.End(ctx)
	if errors.Is(err, session.ErrNotLive) {
		if cause := a.ctrl.Err(); cause != nil {
			return fmt.Errorf("app: session: %w", cause)
		}
		return nil
	}
	a.printf("Session %s ended after %ds with %d transcript entries.\n",
		res.SessionID, res.ElapsedSeconds, len(res.Transcript))
	if res.RecordingPath != "" {
		a.printf("Recording saved to %s\n", res.RecordingPath)
	}

	wctx, cancel := context.WithTimeout(ctx, a.uploadTimeout())
	defer cancel()
	if werr := a.ctrl.WaitUpload(wctx); werr != nil {
		log.Warn("gave up waiting for recording upload", "err", werr)
	}
	if err != nil {
		return fmt.Errorf("app: end session: %w", err)
	}
	return nil
}

func (a *App) uploadTimeout() time.Duration {
	if d := a.cfg.Recording.UploadTimeout; d > 0 {
		return d
	}
	return 2 * time.Minute
}

// readCommands forwards recognised input lines until the input ends or ctx
// is done.
func (a *App) readCommands(ctx context.Context, out chan<- command) {
	sc := bufio.NewScanner(a.in)
	for sc.Scan() {
		c := command(strings.ToLower(strings.TrimSpace(sc.Text())))
		if c != cmdMute && c != cmdQuit {
			continue
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	_, _ = fmt.Fprintf(a.out, format, args...)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the session and tears down all subsystems in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if a.ctrl != nil {
			_ = a.ctrl.Close()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// abort runs the closers registered so far and returns err.
func (a *App) abort(err error) error {
	_ = a.Shutdown(context.Background())
	return err
}
