// Package archive keeps finished sessions and their transcripts beyond the
// lifetime of the process.
//
// Archiving is optional and best-effort: the session controller calls
// [Store.SaveSession] after the backend has been told the session ended and
// only logs a failure.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/parley/pkg/transcript"
)

// ErrNotFound is returned when a session is not in the archive.
var ErrNotFound = errors.New("archive: session not found")

// Record is one finished session.
type Record struct {
	SessionID      string
	Persona        string
	Status         string
	StartedAt      time.Time
	EndedAt        time.Time
	ElapsedSeconds int

	// RecordingMime and RecordingBytes describe the recording, if any. The
	// recording itself is not archived.
	RecordingMime  string
	RecordingBytes int

	Transcript []transcript.Entry
}

// Store persists session records.
type Store interface {
	// SaveSession writes rec, replacing an earlier record with the same
	// session ID.
	SaveSession(ctx context.Context, rec Record) error

	// Transcript returns the archived entries of a session in their
	// original order. Returns [ErrNotFound] for unknown sessions.
	Transcript(ctx context.Context, sessionID string) ([]transcript.Entry, error)
}
