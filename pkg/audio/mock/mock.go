// Package mock provides an in-memory playback output for unit tests. It
// satisfies the output contract used by the playback scheduler and the
// session controller: a frame clock, a schedule call and a clear call.
//
// The mock is safe for concurrent use. It records every call so that tests
// can assert on call counts and arguments, and its clock is advanced
// explicitly by the test.
//
// Typical usage:
//
//	out := &mock.Output{}
//	sched := playback.NewScheduler(out)
//	out.Advance(480)
//	span, err := sched.Schedule(delta)
package mock

import (
	"sync"
)

// Scheduled records one call to [Output.Schedule].
type Scheduled struct {
	Samples []float32
	At      int64
}

// End returns the frame just after the last scheduled sample.
func (s Scheduled) End() int64 { return s.At + int64(len(s.Samples)) }

// Output is a mock playback output with a manually driven frame clock.
// Inspect the Call* fields and [Output.Calls] after use.
type Output struct {
	mu  sync.Mutex
	now int64

	scheduled []Scheduled

	// CloseError is returned by [Output.Close].
	CloseError error

	// CallCountClear records how many times Clear was called.
	CallCountClear int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Now returns the current value of the mock clock.
func (o *Output) Now() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the clock to frame.
func (o *Output) SetNow(frame int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = frame
}

// Advance moves the clock forward by n frames.
func (o *Output) Advance(n int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += n
}

// Schedule records the call. Samples are copied.
func (o *Output) Schedule(samples []float32, at int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	o.scheduled = append(o.scheduled, Scheduled{Samples: cp, At: at})
}

// Clear records the call.
func (o *Output) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClear++
}

// Close records the call and returns CloseError.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseError
}

// Calls returns a copy of every recorded Schedule call, in order.
func (o *Output) Calls() []Scheduled {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Scheduled, len(o.scheduled))
	copy(out, o.scheduled)
	return out
}

// Closes returns the number of Close calls.
func (o *Output) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}

// Clears returns the number of Clear calls.
func (o *Output) Clears() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClear
}
