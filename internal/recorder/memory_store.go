package recorder

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when no record exists for an identifier.
var ErrNotFound = errors.New("recorder: record not found")

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Identifier]; ok {
		return errors.New("recorder: duplicate identifier")
	}
	clone := *rec
	m.records[rec.Identifier] = &clone
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, identifier string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[identifier]
	return ok, nil
}

func (m *MemoryStore) Get(ctx context.Context, identifier string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

// List returns records newest-first, up to limit (0 means all).
func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SettledAt.After(out[j].SettledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
