// Package transcript collects the turns of a voice conversation in the order
// their completion events arrive.
package transcript

import (
	"sync"
	"time"
)

// Speaker identifies which side of the conversation produced a turn.
type Speaker string

const (
	// SpeakerUser is the local participant.
	SpeakerUser Speaker = "user"

	// SpeakerRemote is the remote voice agent.
	SpeakerRemote Speaker = "remote"
)

// Valid reports whether s is one of the defined speakers.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerRemote
}

// Entry is one completed conversational turn.
type Entry struct {
	// Speaker is who spoke.
	Speaker Speaker `json:"speaker"`

	// Text is the transcript exactly as delivered by the remote service.
	Text string `json:"text"`

	// At is when the completion event was received.
	At time.Time `json:"at"`
}

// Option configures an [Assembler].
type Option func(*Assembler)

// WithClock replaces the wall clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// Assembler is an append-only transcript. Entries keep the order of the
// Append calls; they are never merged, reordered or edited.
//
// All methods are safe for concurrent use.
type Assembler struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewAssembler returns an empty transcript.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append records one completed turn and returns the stored entry.
func (a *Assembler) Append(speaker Speaker, text string) Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := Entry{Speaker: speaker, Text: text, At: a.now()}
	a.entries = append(a.entries, e)
	return e
}

// Entries returns a copy of the transcript in append order.
func (a *Assembler) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len returns the number of entries.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
