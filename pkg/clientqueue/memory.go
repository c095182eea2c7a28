package clientqueue

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps queue entries in process memory, for tests and hosts
// without a writable disk. Order is append order.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Enqueue(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == e.ID {
			m.entries[i] = e
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) Evict(ctx context.Context, maxEntries int, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.entries)
	if !cutoff.IsZero() {
		kept := m.entries[:0]
		for _, e := range m.entries {
			if !e.EnqueuedAt.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		m.entries = kept
	}
	if maxEntries > 0 && len(m.entries) > maxEntries {
		m.entries = append([]Entry(nil), m.entries[len(m.entries)-maxEntries:]...)
	}
	return before - len(m.entries), nil
}

func (m *MemoryStore) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *MemoryStore) Close() error { return nil }
