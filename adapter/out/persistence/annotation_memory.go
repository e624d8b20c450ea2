package persistence

import (
	"context"
	"fmt"
	"sync"

	"annotation_server/core/domain"
)

// MemoryStore is an in-process implementation of the annotation and query
// repositories, used in development mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	annotations map[int64]*domain.Annotation // keyed by result ID
	queries     map[int64]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		annotations: make(map[int64]*domain.Annotation),
		queries:     make(map[int64]string),
	}
}

// FindByResultID returns the stored annotation, or (nil, nil) when absent.
func (m *MemoryStore) FindByResultID(_ context.Context, resultID int64) (*domain.Annotation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ann, ok := m.annotations[resultID]; ok {
		cp := *ann
		return &cp, nil
	}
	return nil, nil
}

// Create stores an annotation. The first write per result wins, matching the
// database adapter's conflict behavior.
func (m *MemoryStore) Create(_ context.Context, ann *domain.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.annotations[ann.ResultID]; exists {
		return nil
	}
	cp := *ann
	m.annotations[ann.ResultID] = &cp
	return nil
}

// FindQueryText returns the text of a seeded query.
func (m *MemoryStore) FindQueryText(_ context.Context, queryID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.queries[queryID]
	if !ok {
		return "", fmt.Errorf("query %d not found", queryID)
	}
	return text, nil
}

// SeedQuery registers query text for development and tests.
func (m *MemoryStore) SeedQuery(queryID int64, text string) {
	m.mu.Lock()
	m.queries[queryID] = text
	m.mu.Unlock()
}

// Count returns the number of stored annotations.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.annotations)
}
