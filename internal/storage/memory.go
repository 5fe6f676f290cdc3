package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps uploads in memory. It backs tests and throwaway servers.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	closed  bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Save stores a copy of data under name.
func (s *MemoryStore) Save(_ context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.objects[name] = append([]byte(nil), data...)
	return nil
}

// Get returns the object stored under name.
func (s *MemoryStore) Get(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Names lists stored object names in sorted order.
func (s *MemoryStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) String() string {
	return "memory"
}
