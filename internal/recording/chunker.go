package recording

import (
	"bytes"
	"sync"
	"time"
)

// chunker buffers encoded bytes and hands them out once per timeslice. It is
// the io.Writer every recorder encodes into.
type chunker struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func([]byte)

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newChunker(timeslice time.Duration, emit func([]byte)) *chunker {
	c := &chunker{
		emit: emit,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.loop(timeslice)
	return c
}

func (c *chunker) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *chunker) loop(timeslice time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stop:
			return
		}
	}
}

func (c *chunker) flush() {
	c.mu.Lock()
	if c.buf.Len() == 0 {
		c.mu.Unlock()
		return
	}
	data := bytes.Clone(c.buf.Bytes())
	c.buf.Reset()
	c.mu.Unlock()
	c.emit(data)
}

// Close stops the ticker and emits whatever is left. No chunk is emitted
// after Close returns.
func (c *chunker) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		c.flush()
	})
}
