package kvstore

import "sync"

// Backend is the durable side of the store. Get serves reads that miss the
// write buffer; WriteBatch commits one flush (sets and deletes) atomically.
//
// Implementations must be safe for one concurrent reader plus the single
// flush worker.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	WriteBatch(set map[string][]byte, del []string) error
	Close() error
}

// Memory is the in-process backend: a mutex-guarded map with no durability.
// Use it for single-instance deployments, development and tests.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) WriteBatch(set map[string][]byte, del []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range set {
		m.items[k] = v
	}
	for _, k := range del {
		delete(m.items, k)
	}
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Memory) Close() error { return nil }
