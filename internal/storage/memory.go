package storage

import (
	"context"
	"sync"
)

type docKey struct {
	scope, kind, key string
}

// memory keeps documents in a map. It is intended for tests and for running without a
// database; nothing survives a restart.
type memory struct {
	mu   sync.RWMutex
	docs map[docKey][]byte
}

// NewMemory creates an in-memory Store.
func NewMemory(opts ...Option) Store {
	return newDocStore(&memory{docs: make(map[docKey][]byte)}, opts...)
}

func (m *memory) put(ctx context.Context, scope, kind, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docKey{scope, kind, key}] = cp
	return nil
}

func (m *memory) get(ctx context.Context, scope, kind, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.docs[docKey{scope, kind, key}]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *memory) del(ctx context.Context, scope, kind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docKey{scope, kind, key})
	return nil
}

func (m *memory) ping(ctx context.Context) error { return nil }

func (m *memory) close() error { return nil }
