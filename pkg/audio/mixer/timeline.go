package mixer

import (
	"container/heap"
	"sync"
)

// defaultQueueCap is the initial capacity hint for the buffer queue.
const defaultQueueCap = 64

// Timeline is the output clock of a playback device. Its position advances
// only when [Timeline.Render] consumes frames, so it measures exactly what
// the device has played. Buffers scheduled at or after the current position
// play starting on that frame; the parts of a buffer that fall behind the
// render head are skipped.
//
// All exported methods are safe for concurrent use. Render runs on the
// device's real-time thread and holds the lock only for the duration of the
// mix.
type Timeline struct {
	mu    sync.Mutex
	queue bufferHeap
	seq   uint64
	pos   int64
}

// NewTimeline returns an empty timeline positioned at frame zero.
func NewTimeline() *Timeline {
	return &Timeline{queue: make(bufferHeap, 0, defaultQueueCap)}
}

// Now returns the number of frames rendered so far.
func (t *Timeline) Now() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

// Schedule queues samples to begin playing at frame at. The timeline keeps a
// reference to samples; callers must not modify the slice afterwards. Empty
// buffers are ignored.
func (t *Timeline) Schedule(samples []float32, at int64) {
	if len(samples) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	heap.Push(&t.queue, entry{
		samples: samples,
		start:   at,
		end:     at + int64(len(samples)),
		seq:     t.seq,
	})
}

// Render mixes every buffer overlapping the next len(out) frames into out and
// advances the clock by len(out). Frames no buffer covers are silent. The mix
// is clamped to [-1, 1].
func (t *Timeline) Render(out []float32) {
	clear(out)
	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.pos
	to := from + int64(len(out))
	for _, e := range t.queue {
		if e.start >= to || e.end <= from {
			continue
		}
		lo := max(e.start, from)
		hi := min(e.end, to)
		src := e.samples[lo-e.start : hi-e.start]
		dst := out[lo-from : hi-from]
		for i, s := range src {
			dst[i] += s
		}
	}
	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	t.pos = to

	for len(t.queue) > 0 && t.queue[0].end <= t.pos {
		heap.Pop(&t.queue)
	}
}

// Clear drops every scheduled buffer. The clock keeps its position.
func (t *Timeline) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.queue)
	t.queue = t.queue[:0]
}
