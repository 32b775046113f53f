package mixer_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/parley/pkg/audio/mixer"
)

func ramp(n int, base float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = base + float32(i)/1000
	}
	return s
}

func TestTimeline_RendersAtScheduledOffset(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline()
	tl.Schedule([]float32{0.1, 0.2, 0.3}, 2)

	out := make([]float32, 6)
	tl.Render(out)

	want := []float32{0, 0, 0.1, 0.2, 0.3, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("frame %d: got %v, want %v", i, out[i], want[i])
		}
	}
	if got := tl.Now(); got != 6 {
		t.Errorf("Now() = %d, want 6", got)
	}
}

func TestTimeline_BackToBackBuffersAreGapless(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline()
	a := ramp(5, 0.1)
	b := ramp(5, 0.5)
	tl.Schedule(a, 0)
	tl.Schedule(b, 5)

	// Render in blocks that straddle the boundary.
	var got []float32
	for range 3 {
		out := make([]float32, 4)
		tl.Render(out)
		got = append(got, out...)
	}

	want := append(append([]float32{}, a...), b...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: got %v, want %v", i, got[i], want[i])
		}
	}
	for i := len(want); i < len(got); i++ {
		if got[i] != 0 {
			t.Errorf("frame %d: got %v, want silence", i, got[i])
		}
	}
}

func TestTimeline_LateBufferSkipsElapsedPart(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline()
	tl.Render(make([]float32, 4))
	tl.Schedule([]float32{0.1, 0.2, 0.3, 0.4}, 2)

	out := make([]float32, 2)
	tl.Render(out)
	if out[0] != 0.3 || out[1] != 0.4 {
		t.Errorf("late buffer rendered %v, want [0.3 0.4]", out)
	}
}

func TestTimeline_MixClamps(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline()
	tl.Schedule([]float32{0.8, -0.8}, 0)
	tl.Schedule([]float32{0.8, -0.8}, 0)

	out := make([]float32, 2)
	tl.Render(out)
	if out[0] != 1 || out[1] != -1 {
		t.Errorf("mix = %v, want [1 -1]", out)
	}
}

func TestTimeline_ClearKeepsClock(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline()
	tl.Schedule(ramp(10, 0.1), 0)
	tl.Render(make([]float32, 3))
	tl.Clear()

	out := make([]float32, 3)
	tl.Render(out)
	for i, s := range out {
		if s != 0 {
			t.Errorf("frame %d after Clear: got %v, want silence", i, s)
		}
	}
	if got := tl.Now(); got != 6 {
		t.Errorf("Now() = %d, want 6", got)
	}
}

func TestTimeline_ConcurrentScheduleAndRender(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 200 {
			tl.Schedule(ramp(16, 0), int64(i*16))
		}
	}()
	go func() {
		defer wg.Done()
		out := make([]float32, 32)
		for range 100 {
			tl.Render(out)
		}
	}()
	wg.Wait()

	if got := tl.Now(); got != 3200 {
		t.Errorf("Now() = %d, want 3200", got)
	}
}
