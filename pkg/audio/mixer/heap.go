// Package mixer renders scheduled PCM buffers onto a sample-accurate output
// timeline. A playback device pulls fixed-size blocks from a [Timeline] on its
// real-time callback; producers place buffers at absolute frame positions
// ahead of the render head.
package mixer

// entry is one scheduled buffer. start and end are absolute frame positions on
// the timeline; seq breaks ties between buffers that start on the same frame.
type entry struct {
	samples []float32
	start   int64
	end     int64
	seq     uint64
}

// bufferHeap implements [container/heap.Interface] as a min-heap ordered by
// start position, with FIFO tie-breaking on seq.
type bufferHeap []entry

func (h bufferHeap) Len() int { return len(h) }

// Less reports whether element i starts playing before element j.
func (h bufferHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h bufferHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *bufferHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *bufferHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
