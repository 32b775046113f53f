package playback_test

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
)

// delta encodes n samples of a constant value as a base64 PCM16 chunk.
func delta(n int, v float32) string {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return base64.StdEncoding.EncodeToString(audio.EncodePCM16(nil, s))
}

func TestScheduler_ChunksAreContiguous(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	out.SetNow(1000)
	s := playback.NewScheduler(out)

	sizes := []int{480, 960, 240, 4800}
	for i, n := range sizes {
		// The clock moves but stays behind the cursor.
		out.Advance(100)
		if _, err := s.Schedule(delta(n, 0.1*float32(i))); err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
	}

	calls := out.Calls()
	if len(calls) != len(sizes) {
		t.Fatalf("scheduled %d chunks, want %d", len(calls), len(sizes))
	}
	if calls[0].At != 1100 {
		t.Errorf("first chunk starts at %d, want 1100", calls[0].At)
	}
	for i := 1; i < len(calls); i++ {
		if calls[i].At != calls[i-1].End() {
			t.Errorf("chunk %d starts at %d, previous ends at %d", i, calls[i].At, calls[i-1].End())
		}
	}
	if got, want := s.Cursor(), calls[len(calls)-1].End(); got != want {
		t.Errorf("Cursor() = %d, want %d", got, want)
	}
}

func TestScheduler_LateChunkStartsNow(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.NewScheduler(out)

	first, err := s.Schedule(delta(480, 0.2))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if first.Late {
		t.Error("first chunk of an utterance reported late")
	}

	out.SetNow(2000)
	span, err := s.Schedule(delta(480, 0.2))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if span.Start != 2000 {
		t.Errorf("late chunk starts at %d, want 2000", span.Start)
	}
	if !span.Late {
		t.Error("underrun not reported")
	}
}

func TestScheduler_ResetMovesCursorToNow(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.NewScheduler(out)

	for range 5 {
		if _, err := s.Schedule(delta(4800, 0.3)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	if s.Cursor() != 24000 {
		t.Fatalf("Cursor() = %d, want 24000", s.Cursor())
	}

	out.SetNow(6000)
	s.Reset()
	if s.Cursor() != 6000 {
		t.Errorf("Cursor() after Reset = %d, want 6000", s.Cursor())
	}
	if s.Speaking() {
		t.Error("Speaking() after Reset = true")
	}

	out.SetNow(6500)
	span, err := s.Schedule(delta(480, 0.3))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if span.Start != 6500 {
		t.Errorf("next chunk starts at %d, want current time 6500", span.Start)
	}
	if span.Late {
		t.Error("first chunk after reset reported late")
	}
	if out.CallCountClear != 0 {
		t.Error("Reset cleared queued audio")
	}
}

func TestScheduler_ResetAfterMinutesOfQueuedAudio(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.NewScheduler(out)

	minute := make([]float32, 60*24000)
	for range 5 {
		s.ScheduleSamples(minute)
	}
	out.SetNow(1200)
	if s.Cursor() != 7_200_000 {
		t.Fatalf("Cursor() = %d, want 7200000", s.Cursor())
	}
	if got := s.Buffered(); got != 5*time.Minute-50*time.Millisecond {
		t.Errorf("Buffered() = %v", got)
	}

	s.Reset()
	span, err := s.Schedule(delta(480, 0.3))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if span.Start != out.Now() {
		t.Errorf("chunk after reset starts at %d, want clock %d", span.Start, out.Now())
	}
}

func TestScheduler_FlushClearsOutput(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.NewScheduler(out)
	if _, err := s.Schedule(delta(4800, 0.3)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	out.SetNow(100)

	s.Flush()

	if out.CallCountClear != 1 {
		t.Errorf("Clear called %d times, want 1", out.CallCountClear)
	}
	if s.Cursor() != 100 {
		t.Errorf("Cursor() after Flush = %d, want 100", s.Cursor())
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered() after Flush = %v, want 0", s.Buffered())
	}
}

func TestScheduler_RejectsBadDeltas(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.NewScheduler(out)

	if _, err := s.Schedule("not base64!"); err == nil {
		t.Error("expected decode error")
	}
	if _, err := s.Schedule(""); !errors.Is(err, playback.ErrEmptyDelta) {
		t.Errorf("empty delta: err = %v, want ErrEmptyDelta", err)
	}
	if len(out.Calls()) != 0 {
		t.Error("bad deltas reached the output")
	}
	if s.Cursor() != 0 || s.Speaking() {
		t.Error("bad deltas moved the scheduler state")
	}
}

func TestScheduler_DecodesSamples(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.NewScheduler(out)
	if _, err := s.Schedule(delta(4, -0.5)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	got := out.Calls()[0].Samples
	for i, v := range got {
		if v != -0.5 {
			t.Errorf("sample %d = %v, want -0.5", i, v)
		}
	}
}

func TestScheduler_Buffered(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.NewScheduler(out)
	if _, err := s.Schedule(delta(24000, 0.1)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	out.SetNow(12000)
	if got := s.Buffered(); got != 500*time.Millisecond {
		t.Errorf("Buffered() = %v, want 500ms", got)
	}
}
