package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/media"
)

var (
	webmOutputArgs = []string{
		"-map", "0:a", "-map", "1:v",
		"-c:a", "libopus", "-c:v", "libvpx-vp9",
		"-deadline", "realtime", "-cpu-used", "8", "-b:v", "1M",
		"-f", "webm", "pipe:1",
	}
	// Matroska takes whatever encoders the local ffmpeg defaults to.
	matroskaOutputArgs = []string{
		"-map", "0:a", "-map", "1:v",
		"-f", "matroska", "pipe:1",
	}

	webmEncoders = []string{"libopus", "libvpx-vp9"}
)

// ffmpegCodec muxes the microphone and camera through an ffmpeg child
// process. PCM is written to its stdin; the container is read from stdout.
// The codec is only available when ffmpeg lists every encoder in encoders.
func ffmpegCodec(mime string, outputArgs, encoders []string) Codec {
	return Codec{
		MimeType: mime,
		Check: func(ctx context.Context, stream media.Stream, opts Options) error {
			return checkFFmpeg(ctx, stream, opts.withDefaults(), encoders)
		},
		New: func(stream media.Stream, opts Options) (Recorder, error) {
			return newFFmpegRecorder(mime, stream, opts.withDefaults(), outputArgs)
		},
	}
}

func checkFFmpeg(ctx context.Context, stream media.Stream, opts Options, encoders []string) error {
	if err := checkAudio(ctx, stream, opts); err != nil {
		return err
	}
	if !media.HasVideo(stream) {
		return fmt.Errorf("%w: no camera track", ErrCodecUnavailable)
	}
	path, err := exec.LookPath(opts.FFmpegPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodecUnavailable, err)
	}
	out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output()
	if err != nil {
		return fmt.Errorf("%w: list ffmpeg encoders: %v", ErrCodecUnavailable, err)
	}
	for _, enc := range encoders {
		if !bytes.Contains(out, []byte(" "+enc+" ")) {
			return fmt.Errorf("%w: ffmpeg lacks encoder %s", ErrCodecUnavailable, enc)
		}
	}
	return nil
}

type ffmpegRecorder struct {
	mime  string
	track media.AudioTrack
	video media.VideoTrack
	opts  Options
	args  []string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	feed   *pcmFeed
	out    *chunker
	pumps  sync.WaitGroup
}

func newFFmpegRecorder(mime string, stream media.Stream, opts Options, outputArgs []string) (Recorder, error) {
	track, err := firstAudio(stream)
	if err != nil {
		return nil, err
	}
	r := &ffmpegRecorder{mime: mime, track: track, opts: opts}
	if v := stream.VideoTracks(); len(v) > 0 {
		r.video = v[0]
	}
	r.args = r.buildArgs(outputArgs)
	return r, nil
}

func (r *ffmpegRecorder) buildArgs(outputArgs []string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le", "-ar", strconv.Itoa(r.track.SampleRate()), "-ac", "1", "-i", "pipe:0",
	}
	if r.video != nil {
		args = append(args, r.video.InputArgs()...)
	}
	return append(args, outputArgs...)
}

func (r *ffmpegRecorder) MimeType() string { return r.mime }

func (r *ffmpegRecorder) Start(onChunk func([]byte)) error {
	r.cmd = exec.Command(r.opts.FFmpegPath, r.args...)
	stdin, err := r.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("recording: open ffmpeg stdin: %w", err)
	}
	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("recording: open ffmpeg stdout: %w", err)
	}
	r.stderr = &tailBuffer{max: 4096}
	r.cmd.Stderr = r.stderr
	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("recording: start ffmpeg: %w", err)
	}
	r.stdin = stdin
	r.out = newChunker(r.opts.Timeslice, onChunk)
	r.feed = tapPCM(r.track)

	r.pumps.Add(2)
	go func() {
		defer r.pumps.Done()
		defer stdin.Close()
		for pcm := range r.feed.ch {
			if _, err := stdin.Write(pcm); err != nil {
				slog.Warn("recording: ffmpeg stdin closed", "err", err)
				// Keep draining so the feed never backs up.
				for range r.feed.ch {
				}
				return
			}
		}
	}()
	go func() {
		defer r.pumps.Done()
		_, _ = io.Copy(r.out, stdout)
	}()

	slog.Debug("recording: ffmpeg started", "mime", r.mime, "args", strings.Join(r.args, " "))
	return nil
}

func (r *ffmpegRecorder) Stop(ctx context.Context) error {
	r.feed.Close()

	done := make(chan error, 1)
	go func() {
		r.pumps.Wait()
		done <- r.cmd.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = r.cmd.Process.Kill()
		<-done
		err = ctx.Err()
	}
	r.out.Close()
	if err != nil {
		if line := r.stderr.LastLine(); line != "" {
			return fmt.Errorf("recording: ffmpeg: %w: %s", err, line)
		}
		return fmt.Errorf("recording: ffmpeg: %w", err)
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

// LastLine returns the last non-empty line written.
func (t *tailBuffer) LastLine() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := strings.Split(strings.TrimSpace(string(t.buf)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
