package memory

import (
	"context"
	"sync"

	"github.com/risa-org/streamlink/cache"
)

// Store is a thread-safe in-memory implementation of cache.Store.
// Suitable for a single client process and testing.
// Entries are lost when the process exits.
type Store struct {
	mu      sync.RWMutex
	entries map[string]cache.Entry
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{entries: make(map[string]cache.Entry)}
}

// Get retrieves the entry for hash.
func (s *Store) Get(_ context.Context, hash string) (cache.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hash]
	return e, ok, nil
}

// Put stores e under hash, replacing any previous entry.
func (s *Store) Put(_ context.Context, hash string, e cache.Entry) error {
	s.mu.Lock()
	s.entries[hash] = e
	s.mu.Unlock()
	return nil
}

// EvictBefore removes entries last accessed before run.
func (s *Store) EvictBefore(_ context.Context, run int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for hash, e := range s.entries {
		if e.LastAccessedRun < run {
			delete(s.entries, hash)
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries currently in the store.
func (s *Store) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}
