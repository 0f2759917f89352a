package mirror

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Mirror used by tests and single-node deployments
// that do not run MongoDB.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemory returns an empty in-memory mirror.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

func (m *Memory) Upsert(_ context.Context, doc Document) error {
	id := doc.ID()
	if id == "" {
		return ErrInvalidDocument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = doc.clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *Memory) DeleteByUserForm(_ context.Context, userformID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, doc := range m.docs {
		if doc.UserFormID() == userformID {
			delete(m.docs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Count(_ context.Context, userformID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, doc := range m.docs {
		if doc.UserFormID() == userformID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) IDs(_ context.Context, userformID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0)
	for id, doc := range m.docs {
		if doc.UserFormID() == userformID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Find(ctx context.Context, userformID string, q Query) ([]Document, error) {
	ids, _ := m.IDs(ctx, userformID)
	if q.Skip > 0 {
		if q.Skip >= int64(len(ids)) {
			return []Document{}, nil
		}
		ids = ids[q.Skip:]
	}
	if q.Limit > 0 && q.Limit < int64(len(ids)) {
		ids = ids[:q.Limit]
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := m.docs[id]; ok {
			out = append(out, doc.clone())
		}
	}
	return out, nil
}

// Get returns a copy of a single document.
func (m *Memory) Get(id string) (Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, false
	}
	return doc.clone(), true
}
