// Package mock provides an in-memory [archive.Store] for tests.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/archive"
	"github.com/MrWong99/parley/pkg/transcript"
)

var _ archive.Store = (*Store)(nil)

// Store keeps records in memory. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[string]archive.Record

	// SaveError is returned by SaveSession when set; the record is not kept.
	SaveError error

	// OnSave runs inside SaveSession before anything else.
	OnSave func(archive.Record)

	// CallCountSave counts SaveSession calls.
	CallCountSave int
}

// SaveSession implements [archive.Store].
func (s *Store) SaveSession(_ context.Context, rec archive.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountSave++
	if s.OnSave != nil {
		s.OnSave(rec)
	}
	if s.SaveError != nil {
		return s.SaveError
	}
	if s.records == nil {
		s.records = make(map[string]archive.Record)
	}
	rec.Transcript = slices.Clone(rec.Transcript)
	s.records[rec.SessionID] = rec
	return nil
}

// Transcript implements [archive.Store].
func (s *Store) Transcript(_ context.Context, id string) ([]transcript.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return slices.Clone(rec.Transcript), nil
}

// Record returns the stored record for id.
func (s *Store) Record(id string) (archive.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}
