package kvstore

import (
	"context"
	"sync"

	"github.com/ruteri/tee-workorder-manager/interfaces"
)

// MemoryStore is an in-process QueueStore used for tests and single-process
// development deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: map[string]map[string]string{}}
}

// Set writes value under key in the named table.
func (s *MemoryStore) Set(ctx context.Context, table, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		t = map[string]string{}
		s.tables[table] = t
	}
	t[key] = value
	return nil
}

// Get reads the value under key; interfaces.ErrKeyNotFound if absent.
func (s *MemoryStore) Get(ctx context.Context, table, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.tables[table][key]
	if !ok {
		return "", interfaces.ErrKeyNotFound
	}
	return value, nil
}

// Remove deletes key from the table. Absent keys are not an error.
func (s *MemoryStore) Remove(ctx context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tables[table], key)
	return nil
}

// Lookup lists all keys in the named table.
func (s *MemoryStore) Lookup(ctx context.Context, table string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.tables[table]))
	for key := range s.tables[table] {
		keys = append(keys, key)
	}
	return keys, nil
}

// Available always reports true for the in-memory store.
func (s *MemoryStore) Available(ctx context.Context) bool { return true }

// Name returns an identifier for logging.
func (s *MemoryStore) Name() string { return "memory" }
