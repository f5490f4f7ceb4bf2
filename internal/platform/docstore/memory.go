package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps the whole tree in process. It backs development mode
// and every service test.
type MemoryStore struct {
	mu   sync.RWMutex
	tree map[string]map[string]json.RawMessage
	subs *fanout
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree: make(map[string]map[string]json.RawMessage),
		subs: newFanout(),
	}
}

func (m *MemoryStore) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.tree[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: data}, nil
}

func (m *MemoryStore) Set(ctx context.Context, collection, id string, value interface{}) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	m.mu.Lock()
	m.put(collection, id, raw)
	m.mu.Unlock()
	m.subs.changed(ctx, collection, m.Query)
	return nil
}

func (m *MemoryStore) Create(ctx context.Context, collection, id string, value interface{}) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	m.mu.Lock()
	if _, exists := m.tree[collection][id]; exists {
		m.mu.Unlock()
		return ErrAlreadyExists
	}
	m.put(collection, id, raw)
	m.mu.Unlock()
	m.subs.changed(ctx, collection, m.Query)
	return nil
}

func (m *MemoryStore) Merge(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	m.mu.Lock()
	data, ok := m.tree[collection][id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	merged, err := mergeFields(data, fields)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	m.put(collection, id, merged)
	m.mu.Unlock()
	m.subs.changed(ctx, collection, m.Query)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	_, existed := m.tree[collection][id]
	delete(m.tree[collection], id)
	m.mu.Unlock()
	if existed {
		m.subs.changed(ctx, collection, m.Query)
	}
	return nil
}

func (m *MemoryStore) Query(_ context.Context, q Query) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return evaluate(m.tree[q.Collection], q)
}

func (m *MemoryStore) Subscribe(ctx context.Context, q Query) (<-chan Snapshot, CancelFunc, error) {
	ch, cancel := m.subs.open(ctx, q, m.Query)
	return ch, cancel, nil
}

func (m *MemoryStore) Export(_ context.Context) (Tree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(Tree, len(m.tree))
	for collection, docs := range m.tree {
		if len(docs) == 0 {
			continue
		}
		copied := make(map[string]json.RawMessage, len(docs))
		for id, data := range docs {
			copied[id] = append(json.RawMessage(nil), data...)
		}
		out[collection] = copied
	}
	return out, nil
}

// Subscriptions returns the number of open subscriptions.
func (m *MemoryStore) Subscriptions() int {
	return m.subs.count()
}

func (m *MemoryStore) Close() {
	m.subs.closeAll()
}

func (m *MemoryStore) put(collection, id string, raw json.RawMessage) {
	if m.tree[collection] == nil {
		m.tree[collection] = make(map[string]json.RawMessage)
	}
	m.tree[collection][id] = raw
}
