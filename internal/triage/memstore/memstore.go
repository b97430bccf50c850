// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/carepath/internal/triage"
)

// Store holds triage sessions in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*triage.Session // session ID -> session
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{sessions: make(map[string]*triage.Session)}
}

// Get retrieves a session by its ID. Returns a deep copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	return sess.Clone(), true, nil
}

// Put stores a deep copy of the session.
func (s *Store) Put(_ context.Context, sess *triage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Delete removes a session. Deleting a missing ID is not an error.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// DeleteBefore removes sessions last updated before cutoff.
func (s *Store) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
