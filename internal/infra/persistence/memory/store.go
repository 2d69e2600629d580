// Package memory implements the session catalog in process memory.
package memory

import (
	"context"
	"sync"

	"pulsewatch/internal/catalog/core"
)

type sessionKey struct{ patient, session string }

// Store is an in-memory catalog, used by default and in tests.
type Store struct {
	mu      sync.RWMutex
	entries map[sessionKey]core.Entry
}

// NewStore returns an empty catalog.
func NewStore() *Store { return &Store{entries: make(map[sessionKey]core.Entry)} }

func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Upsert stores e unless a newer version of the session is already present.
func (s *Store) Upsert(_ context.Context, e core.Entry) error {
	k := sessionKey{e.PatientID, e.SessionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[k]; ok && cur.Version > e.Version {
		return nil
	}
	s.entries[k] = e
	return nil
}

func (s *Store) Stats(_ context.Context) (core.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	patients := make(map[string]struct{})
	var st core.Stats
	for k, e := range s.entries {
		patients[k.patient] = struct{}{}
		st.Sessions++
		st.Recordings += int64(e.Recordings)
	}
	st.Patients = int64(len(patients))
	return st, nil
}

func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[sessionKey]core.Entry)
	return nil
}

// Get returns the entry of a session.
func (s *Store) Get(patient, session string) (core.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[sessionKey{patient, session}]
	return e, ok
}

func (s *Store) Close() error { return nil }
