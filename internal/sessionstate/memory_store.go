package sessionstate

import (
	"context"
	"sync"
)

// MemoryStore keeps states in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

// Get returns the state for platform.
func (s *MemoryStore) Get(_ context.Context, platform string) (State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[platform]
	return st, ok, nil
}

// Set replaces the state for its platform.
func (s *MemoryStore) Set(_ context.Context, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Platform] = st
	return nil
}

// Delete removes the state for platform.
func (s *MemoryStore) Delete(_ context.Context, platform string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, platform)
	return nil
}

// Platforms lists stored platforms.
func (s *MemoryStore) Platforms(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.states))
	for p := range s.states {
		out = append(out, p)
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
