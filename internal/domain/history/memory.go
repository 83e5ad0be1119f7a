package history

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu       sync.RWMutex
	maxLen   int
	sessions map[string][]Turn
}

// NewMemory constructs an in-process history store.
func NewMemory(cfg Config) Store {
	return &memoryStore{
		maxLen:   cfg.MaxLen,
		sessions: make(map[string][]Turn),
	}
}

func (s *memoryStore) Append(_ context.Context, sessionID string, turns ...Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.sessions[sessionID], turns...)
	if s.maxLen > 0 && len(list) > s.maxLen {
		list = append([]Turn(nil), list[len(list)-s.maxLen:]...)
	}
	s.sessions[sessionID] = list
	return nil
}

func (s *memoryStore) Recent(_ context.Context, sessionID string, n int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.sessions[sessionID]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	return append([]Turn(nil), list...), nil
}

func (s *memoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *memoryStore) Close() error { return nil }
