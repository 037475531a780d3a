package store

import (
	"context"
	"sync"
)

var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository keeps records in process memory. The simulator uses it
// in place of a file backend.
type MemoryRepository struct {
	mu     sync.RWMutex
	kinds  map[string]map[string]Record
	orders map[string][]string
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		kinds:  make(map[string]map[string]Record),
		orders: make(map[string][]string),
	}
}

// Save stores a copy of rec.
func (m *MemoryRepository) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.kinds[rec.Kind]
	if !ok {
		byID = make(map[string]Record)
		m.kinds[rec.Kind] = byID
	}
	if _, exists := byID[rec.ID]; !exists {
		m.orders[rec.Kind] = append(m.orders[rec.Kind], rec.ID)
	}
	byID[rec.ID] = rec.clone()
	return nil
}

// Load returns a copy of the record.
func (m *MemoryRepository) Load(_ context.Context, kind, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.kinds[kind][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

// Search filters the records of kind by attribute.
func (m *MemoryRepository) Search(_ context.Context, kind string, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, id := range m.orders[kind] {
		rec := m.kinds[kind][id]
		if q.Match(rec.Attrs) {
			out = append(out, rec.clone())
		}
	}
	return out, nil
}

// Len returns the number of records of kind.
func (m *MemoryRepository) Len(kind string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.kinds[kind])
}

// Close does nothing.
func (m *MemoryRepository) Close() error { return nil }
