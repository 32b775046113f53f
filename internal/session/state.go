package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Status is the connection state of a session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusLive       Status = "live"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool { return s == StatusEnded || s == StatusError }

// Sentinel errors.
var (
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the current status.
	ErrInvalidTransition = errors.New("session: invalid status transition")

	// ErrNotLive is returned by [Controller.End] when the session is not
	// live.
	ErrNotLive = errors.New("session: not live")

	// ErrConnectionLost is the cause recorded when the connection closes
	// without a transport error while the session is live.
	ErrConnectionLost = errors.New("session: connection lost")
)

// transitions lists the statuses reachable from each status.
var transitions = map[Status][]Status{
	StatusIdle:       {StatusConnecting},
	StatusConnecting: {StatusLive, StatusError},
	StatusLive:       {StatusEnded, StatusError},
}

// machine holds the current status and enforces the transition table.
type machine struct {
	mu     sync.Mutex
	status Status
	cause  error
}

func newMachine() *machine { return &machine{status: StatusIdle} }

// transition moves to next and returns the previous status.
func (m *machine) transition(next Status, cause error) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.status
	if !slices.Contains(transitions[prev], next) {
		return prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	m.status = next
	if next == StatusError {
		m.cause = cause
	}
	return prev, nil
}

func (m *machine) current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// err returns what moved the machine to [StatusError].
func (m *machine) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}
