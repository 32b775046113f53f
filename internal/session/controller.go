// Package session runs one live voice conversation.
//
// A [Controller] acquires the microphone (and the camera when available),
// starts the recorder, opens the playback output, resolves and dials the
// realtime endpoint and then runs a single dispatch goroutine that feeds
// inbound audio to the playback scheduler and transcripts to the assembler.
// Captured audio flows from the device callback through the uplink encoder
// and transmitter to the connection while the session is live and unmuted.
//
// Ending a session is strictly ordered: the connection is closed, the
// dispatch goroutine drains the remaining events, the recording is finalized,
// the backend is told the session ended and only then is the recording
// uploaded in the background.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/internal/uplink"
	"github.com/MrWong99/parley/pkg/archive"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/media"
	"github.com/MrWong99/parley/pkg/realtime"
	"github.com/MrWong99/parley/pkg/transcript"
)

// Persona configures the remote agent for a session.
type Persona struct {
	Name         string
	Instructions string
	Voice        string
}

// Session is a snapshot of the controller's session.
type Session struct {
	ID             string
	Persona        Persona
	Status         Status
	ElapsedSeconds int
	StartedAt      time.Time
	Muted          bool
}

// Conn is the duplex connection to the remote agent.
type Conn interface {
	Send(ctx context.Context, v any) error
	Events() <-chan realtime.Event
	Err() error
	Close() error
}

// Dialer opens a [Conn] to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Backend is the session service.
type Backend interface {
	ConnectURL(ctx context.Context, sessionID string) (string, error)
	EndSession(ctx context.Context, sessionID string, req backend.EndRequest) error
	UploadRecording(ctx context.Context, sessionID, mimeType string, data []byte) error
}

// Output is a playback device the controller owns.
type Output interface {
	playback.Output
	Close() error
}

// Hooks receive user-visible updates. Every hook is optional and may be
// called from any goroutine; hooks must not call back into the controller.
type Hooks struct {
	// OnStatus is called after every status change. err is set for
	// [StatusError].
	OnStatus func(status Status, err error)

	// OnTranscript is called for every appended transcript entry.
	OnTranscript func(transcript.Entry)

	// OnElapsed is called once per second while live.
	OnElapsed func(seconds int)

	// OnNotice carries non-fatal messages such as a camera fallback or a
	// failed upload.
	OnNotice func(msg string)
}

// Config shapes one session.
type Config struct {
	// SessionID identifies the session towards the backend. Required.
	SessionID string

	Persona Persona

	// TranscriptionModel enables transcripts of the user's speech when the
	// session is configured on open.
	TranscriptionModel string

	// PermissionTimeout bounds device acquisition. Default: 10s.
	PermissionTimeout time.Duration

	// FrameBuffer is the depth of the queue between the capture callback
	// and the transmitter. Default: 50 frames.
	FrameBuffer int

	// Recording is passed to every recorder.
	Recording recording.Options

	// RecordingDir, when set, receives a copy of the finalized recording
	// named after the session.
	RecordingDir string

	// FinalizeTimeout bounds the recorder stop. Default: 10s.
	FinalizeTimeout time.Duration

	// UploadTimeout bounds the background upload. Default: 2m.
	UploadTimeout time.Duration

	// Tick is the elapsed counter period. Default: 1s.
	Tick time.Duration

	Hooks Hooks
}

func (c Config) withDefaults() Config {
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = 10 * time.Second
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 50
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 10 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 2 * time.Minute
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	return c
}

// Deps are the collaborators of a [Controller].
type Deps struct {
	Devices media.Devices
	Dial    Dialer
	Backend Backend

	// OpenOutput opens the playback device.
	OpenOutput func() (Output, error)

	// Codecs is the recording preference list. Empty disables recording.
	Codecs []recording.Codec

	// Archive, when set, receives the finished session.
	Archive archive.Store

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Result describes an ended session.
type Result struct {
	SessionID      string
	ElapsedSeconds int
	Transcript     []transcript.Entry

	// Recording is nil when nothing was recorded.
	Recording *recording.Blob

	// RecordingPath is the local copy, if one was written.
	RecordingPath string
}

// Controller runs one session. Its exported methods are safe for concurrent
// use.
type Controller struct {
	cfg     Config
	deps    Deps
	metrics *observe.Metrics

	machine *machine
	asm     *transcript.Assembler
	muted   atomic.Bool
	elapsed atomic.Int64
	ending  atomic.Bool

	// ctx is cancelled by Close and bounds every background operation.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	startedAt time.Time
	liveAt    time.Time
	stream    media.Stream
	rec       *recording.Pipeline
	sched     *playback.Scheduler
	conn      Conn
	live      bool
	closers   []func() error
	released  bool

	loopDone    chan struct{}
	uploadDone  chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	uploadOnce  sync.Once
	releaseOnce sync.Once
	closeOnce   sync.Once
	liveGauge   atomic.Bool
}

// NewController validates cfg and deps. Nothing is acquired until
// [Controller.Start].
func NewController(cfg Config, deps Deps) (*Controller, error) {
	var errs []error
	if cfg.SessionID == "" {
		errs = append(errs, errors.New("session id is required"))
	}
	if deps.Devices == nil {
		errs = append(errs, errors.New("devices are required"))
	}
	if deps.Dial == nil {
		errs = append(errs, errors.New("dialer is required"))
	}
	if deps.Backend == nil {
		errs = append(errs, errors.New("backend is required"))
	}
	if deps.OpenOutput == nil {
		errs = append(errs, errors.New("playback output is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		metrics:    deps.Metrics,
		machine:    newMachine(),
		asm:        transcript.NewAssembler(),
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
		uploadDone: make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// ─── Start ───────────────────────────────────────────────────────────────────

// Start acquires devices, starts the recorder and the uplink, dials the
// remote agent and goes live. Any failure moves the session to
// [StatusError], releases what was acquired and is returned.
func (c *Controller) Start(ctx context.Context) error {
	if _, err := c.machine.transition(StatusConnecting, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()
	c.notifyStatus(StatusConnecting, nil)
	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, c.cfg.SessionID), "session.start")
	defer span.End()
	log := observe.Logger(ctx)

	// ── 1. Devices ───────────────────────────────────────────────────────
	stream, err := c.acquire(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("session: acquire microphone: %w", err))
	}
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	c.addCloser(func() error { stream.Stop(); return nil })
	mics := stream.AudioTracks()
	if len(mics) == 0 {
		return c.fail(fmt.Errorf("session: acquire microphone: %w", media.ErrNoDevice))
	}
	mic := mics[0]
	if rate := mic.SampleRate(); rate != audio.SampleRate {
		return c.fail(fmt.Errorf("session: microphone runs at %d Hz, want %d", rate, audio.SampleRate))
	}

	// ── 2. Recorder ──────────────────────────────────────────────────────
	if len(c.deps.Codecs) > 0 {
		rec, err := recording.Negotiate(ctx, stream, c.deps.Codecs, c.cfg.Recording)
		if err != nil {
			log.Warn("recording unavailable, continuing without", "err", err)
			c.notice("Recording is not available on this machine; the conversation continues without it.")
		} else {
			c.mu.Lock()
			c.rec = rec
			c.mu.Unlock()
		}
	}

	// ── 3. Playback and uplink ───────────────────────────────────────────
	out, err := c.deps.OpenOutput()
	if err != nil {
		return c.fail(fmt.Errorf("session: open playback: %w", err))
	}
	c.addCloser(out.Close)
	sched := playback.NewScheduler(out)
	c.mu.Lock()
	c.sched = sched
	c.mu.Unlock()

	frames := make(chan audio.AudioFrame, c.cfg.FrameBuffer)
	enc := uplink.NewEncoder(frames, mic.SampleRate())
	tx := uplink.NewTransmitter(&c.muted, c.link, uplink.WithMetrics(c.metrics))
	txCtx, txCancel := context.WithCancel(c.ctx)
	go tx.Run(txCtx, frames)
	removeTap := mic.Tap(enc.Process)
	c.addCloser(func() error {
		removeTap()
		txCancel()
		log.Debug("uplink stopped",
			"captured", enc.Captured(), "queue_drops", enc.Dropped(),
			"sent", tx.Sent(), "gate_drops", tx.Dropped())
		return nil
	})

	// ── 4. Connect ───────────────────────────────────────────────────────
	dialStart := time.Now()
	url, err := c.deps.Backend.ConnectURL(ctx, c.cfg.SessionID)
	if err != nil {
		return c.fail(fmt.Errorf("session: look up endpoint: %w", err))
	}
	conn, err := c.deps.Dial(ctx, url)
	if err != nil {
		return c.fail(fmt.Errorf("session: dial: %w", err))
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if err := c.ctx.Err(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("session: closed while connecting: %w", err)
	}

	if p := c.cfg.Persona; p.Instructions != "" || p.Voice != "" {
		update := realtime.NewSessionUpdate(p.Voice, p.Instructions, c.cfg.TranscriptionModel)
		if err := conn.Send(ctx, update); err != nil {
			log.Warn("failed to configure remote session", "err", err)
		}
	}

	// ── 5. Live ──────────────────────────────────────────────────────────
	if _, err := c.machine.transition(StatusLive, nil); err != nil {
		_ = conn.Close()
		return err
	}
	c.mu.Lock()
	c.live = true
	c.liveAt = time.Now()
	c.mu.Unlock()
	c.liveGauge.Store(true)
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.metrics.ConnectDuration.Record(ctx, time.Since(dialStart).Seconds())

	go c.loop(conn, sched)

	log.Info("session live",
		"persona", c.cfg.Persona.Name,
		"video", media.HasVideo(stream),
		"recording", c.recordingMime())
	c.notifyStatus(StatusLive, nil)
	return nil
}

// acquire requests microphone and camera and falls back to the microphone
// alone when the combined request fails.
func (c *Controller) acquire(ctx context.Context) (media.Stream, error) {
	stream, err := c.getUserMedia(ctx, media.Constraints{Audio: true, Video: true})
	if err == nil {
		return stream, nil
	}
	slog.Info("camera unavailable, retrying audio only", "session_id", c.cfg.SessionID, "err", err)

	stream, err = c.getUserMedia(ctx, media.Constraints{Audio: true})
	if err != nil {
		return nil, err
	}
	c.notice("Camera not available; continuing with audio only.")
	return stream, nil
}

// getUserMedia runs one device request under its own PermissionTimeout.
func (c *Controller) getUserMedia(ctx context.Context, want media.Constraints) (media.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PermissionTimeout)
	defer cancel()
	return c.deps.Devices.GetUserMedia(ctx, want)
}

// link is the transmitter's live gate.
func (c *Controller) link() uplink.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live || c.conn == nil {
		return nil
	}
	return c.conn
}

// ─── User actions ────────────────────────────────────────────────────────────

// ToggleMute flips the mute state and the microphone's enabled flag together
// and returns the new mute state.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	muted := !c.muted.Load()
	c.muted.Store(muted)
	if c.stream != nil {
		media.SetAudioEnabled(c.stream, !muted)
	}
	slog.Debug("mute toggled", "session_id", c.cfg.SessionID, "muted", muted)
	return muted
}

// End ends a live session. It closes the connection, waits for the remaining
// events, finalizes the recording, reports the session to the backend and
// starts the recording upload. The returned error reports a failed
// end-session call; the session is ended either way.
func (c *Controller) End(ctx context.Context) (Result, error) {
	if c.ctx.Err() != nil {
		return Result{}, fmt.Errorf("%w: controller closed", ErrNotLive)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if c.machine.current() != StatusLive {
		return Result{}, ErrNotLive
	}
	c.ending.Store(true)
	if _, err := c.machine.transition(StatusEnded, nil); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrNotLive, err)
	}
	c.leaveLive()
	c.notifyStatus(StatusEnded, nil)

	// Background work stops when Close is called.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(c.ctx, stop)
	defer unhook()

	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, c.cfg.SessionID), "session.end")
	defer span.End()
	log := observe.Logger(ctx)

	// ── 1. Connection ────────────────────────────────────────────────────
	c.mu.Lock()
	c.live = false
	c.mu.Unlock()
	if err := conn.Close(); err != nil {
		log.Debug("connection close", "err", err)
	}
	select {
	case <-c.loopDone:
	case <-ctx.Done():
		log.Warn("event drain interrupted", "err", ctx.Err())
	}

	res := Result{
		SessionID:      c.cfg.SessionID,
		ElapsedSeconds: c.Elapsed(),
		Transcript:     c.asm.Entries(),
	}

	// ── 2. Recording ─────────────────────────────────────────────────────
	if rec := c.recorder(); rec != nil {
		fctx, fcancel := context.WithTimeout(ctx, c.cfg.FinalizeTimeout)
		blob, err := rec.Finalize(fctx)
		fcancel()
		if err != nil {
			log.Warn("recording incomplete", "err", err)
		}
		if len(blob.Data) > 0 {
			res.Recording = &blob
			res.RecordingPath = c.saveLocal(blob)
		}
	}
	c.release()

	// ── 3. Backend ───────────────────────────────────────────────────────
	endErr := c.deps.Backend.EndSession(ctx, c.cfg.SessionID, backend.EndRequest{
		Transcript:     res.Transcript,
		ElapsedSeconds: res.ElapsedSeconds,
	})
	if endErr != nil {
		log.Error("end session failed", "err", endErr)
		endErr = fmt.Errorf("session: end: %w", endErr)
	}

	// ── 4. Upload and archive ────────────────────────────────────────────
	c.startUpload(res.Recording)
	c.archive(ctx, res)

	c.mu.Lock()
	liveAt := c.liveAt
	c.mu.Unlock()
	c.metrics.SessionDuration.Record(ctx, time.Since(liveAt).Seconds())
	log.Info("session ended",
		"elapsed_seconds", res.ElapsedSeconds,
		"entries", len(res.Transcript),
		"recording_bytes", recordingSize(res.Recording))
	c.finish()
	return res, endErr
}

// WaitUpload blocks until the background upload started by End has
// finished or ctx is done. It returns at once when there was nothing to
// upload or the controller was closed before End.
func (c *Controller) WaitUpload(ctx context.Context) error {
	select {
	case <-c.uploadDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears everything down from any status: the connection, the devices,
// the playback output and any pending finalize or upload. It does not change
// the status. Calling it again is a no-op.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		rec := c.rec
		c.live = false
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if rec != nil {
			rec.Abort()
		}
		c.release()
		c.leaveLive()
		if !c.ending.Load() {
			c.closeUpload()
		}
		c.finish()
		slog.Debug("session closed", "session_id", c.cfg.SessionID, "status", c.Status())
	})
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Status returns the current status.
func (c *Controller) Status() Status { return c.machine.current() }

// Err returns what moved the session to [StatusError], if anything.
func (c *Controller) Err() error { return c.machine.err() }

// Elapsed returns the number of whole seconds spent live.
func (c *Controller) Elapsed() int { return int(c.elapsed.Load()) }

// Muted reports the mute state.
func (c *Controller) Muted() bool { return c.muted.Load() }

// Transcript returns a copy of the transcript so far.
func (c *Controller) Transcript() []transcript.Entry { return c.asm.Entries() }

// Done is closed once the session has ended, failed or been closed.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Session returns a snapshot of the session.
func (c *Controller) Session() Session {
	c.mu.Lock()
	started := c.startedAt
	c.mu.Unlock()
	return Session{
		ID:             c.cfg.SessionID,
		Persona:        c.cfg.Persona,
		Status:         c.Status(),
		ElapsedSeconds: c.Elapsed(),
		StartedAt:      started,
		Muted:          c.Muted(),
	}
}

// ─── Internals ───────────────────────────────────────────────────────────────

// fail moves the session to [StatusError] and releases everything. It is
// called from Start or from the dispatch goroutine, never concurrently with
// the scheduler's owner.
func (c *Controller) fail(cause error) error {
	if _, err := c.machine.transition(StatusError, cause); err != nil {
		return cause
	}
	c.leaveLive()

	c.mu.Lock()
	c.live = false
	conn, rec, sched := c.conn, c.rec, c.sched
	c.mu.Unlock()

	if sched != nil {
		slog.Debug("dropping queued playback", "session_id", c.cfg.SessionID, "buffered", sched.Buffered())
		sched.Flush()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if rec != nil {
		rec.Abort()
	}
	c.release()

	slog.Error("session failed", "session_id", c.cfg.SessionID, "err", cause)
	c.notifyStatus(StatusError, cause)
	c.notice(userMessage(cause))
	c.finish()
	return cause
}

// addCloser registers fn for release. After release it runs fn at once.
func (c *Controller) addCloser(fn func() error) {
	c.mu.Lock()
	if !c.released {
		c.closers = append(c.closers, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := fn(); err != nil {
		slog.Warn("session: release failed", "session_id", c.cfg.SessionID, "err", err)
	}
}

// release runs the closers in reverse order, once.
func (c *Controller) release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		closers := c.closers
		c.closers = nil
		c.released = true
		c.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("session: release failed", "session_id", c.cfg.SessionID, "err", err)
			}
		}
	})
}

func (c *Controller) leaveLive() {
	if c.liveGauge.Swap(false) {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

func (c *Controller) closeUpload() {
	c.uploadOnce.Do(func() { close(c.uploadDone) })
}

func (c *Controller) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Controller) recorder() *recording.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

func (c *Controller) recordingMime() string {
	if rec := c.recorder(); rec != nil {
		return rec.MimeType()
	}
	return ""
}

// saveLocal writes blob to the recording directory and returns the path.
func (c *Controller) saveLocal(blob recording.Blob) string {
	if c.cfg.RecordingDir == "" {
		return ""
	}
	path := filepath.Join(c.cfg.RecordingDir, c.cfg.SessionID+blob.Extension())
	if err := os.MkdirAll(c.cfg.RecordingDir, 0o755); err != nil {
		slog.Warn("cannot create recording directory", "dir", c.cfg.RecordingDir, "err", err)
		return ""
	}
	if err := os.WriteFile(path, blob.Data, 0o644); err != nil {
		slog.Warn("cannot write recording", "path", path, "err", err)
		return ""
	}
	slog.Info("recording saved", "path", path, "bytes", len(blob.Data))
	return path
}

// startUpload uploads blob in the background. Failures are reported as a
// notice and never change the session outcome.
func (c *Controller) startUpload(blob *recording.Blob) {
	if blob == nil {
		c.closeUpload()
		return
	}
	go func() {
		defer c.closeUpload()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.UploadTimeout)
		defer cancel()

		err := c.deps.Backend.UploadRecording(ctx, c.cfg.SessionID, blob.MimeType, blob.Data)
		if err != nil {
			c.metrics.RecordUpload(ctx, "error")
			slog.Warn("recording upload failed", "session_id", c.cfg.SessionID, "err", err)
			c.notice("The recording could not be uploaded.")
			return
		}
		c.metrics.RecordUpload(ctx, "ok")
		slog.Info("recording uploaded", "session_id", c.cfg.SessionID, "bytes", len(blob.Data))
	}()
}

func (c *Controller) archive(ctx context.Context, res Result) {
	if c.deps.Archive == nil {
		return
	}
	c.mu.Lock()
	rec := archive.Record{
		SessionID:      res.SessionID,
		Persona:        c.cfg.Persona.Name,
		Status:         string(StatusEnded),
		StartedAt:      c.startedAt,
		EndedAt:        time.Now(),
		ElapsedSeconds: res.ElapsedSeconds,
		Transcript:     res.Transcript,
	}
	c.mu.Unlock()
	if res.Recording != nil {
		rec.RecordingMime = res.Recording.MimeType
		rec.RecordingBytes = len(res.Recording.Data)
	}
	if err := c.deps.Archive.SaveSession(ctx, rec); err != nil {
		slog.Warn("archive failed", "session_id", res.SessionID, "err", err)
	}
}

func (c *Controller) notifyStatus(s Status, err error) {
	if fn := c.cfg.Hooks.OnStatus; fn != nil {
		fn(s, err)
	}
}

func (c *Controller) notice(msg string) {
	if fn := c.cfg.Hooks.OnNotice; fn != nil {
		fn(msg)
	}
}

// userMessage turns a failure cause into text for the user.
func userMessage(err error) string {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return "Microphone access was denied. Allow access and try again."
	case errors.Is(err, media.ErrNoDevice):
		return "No microphone was found."
	case errors.Is(err, backend.ErrStatus):
		return "The session service rejected the request."
	case errors.Is(err, ErrConnectionLost):
		return "The connection to the voice service was lost."
	default:
		return "Could not connect to the voice service."
	}
}

func recordingSize(b *recording.Blob) int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}
