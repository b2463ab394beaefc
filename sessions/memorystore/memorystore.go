// Package memorystore is an in-process sessions.Store.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/mcp-streamable-go/sessions"
)

// Store keeps session metadata in a map guarded by a mutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessions.SessionMetadata
}

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*sessions.SessionMetadata)}
}

func (s *Store) Save(ctx context.Context, meta *sessions.SessionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[meta.SessionID] = meta.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.sessions[sessionID]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return meta.Clone(), nil
}

func (s *Store) UpdateActivity(ctx context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.sessions[sessionID]
	if !ok {
		return sessions.ErrSessionNotFound
	}
	meta.LastActivity = at
	return nil
}

func (s *Store) Remove(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *Store) PruneIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, meta := range s.sessions {
		if !meta.LastActivity.After(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

var _ sessions.Store = (*Store)(nil)
