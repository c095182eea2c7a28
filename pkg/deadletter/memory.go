package deadletter

import (
	"context"
	"sort"
	"sync"

	"conduit/pkg/envelope"
)

// MemoryStore keeps dead letters in process memory. Entries do not survive a
// restart; production deployments use PostgresStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*Entry{}}
}

func (s *MemoryStore) Capture(ctx context.Context, env *envelope.Envelope, det envelope.ErrorDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Status == StatusPending && e.IdempotencyKey == env.IdempotencyKey {
			e.Error = det
			e.RetryCount++
			return nil
		}
	}
	id := newID()
	s.entries[id] = &Entry{
		ID:             id,
		IdempotencyKey: env.IdempotencyKey,
		Envelope:       *env,
		Error:          det,
		Status:         StatusPending,
		CapturedAt:     timeNow().UTC(),
	}
	return nil
}

func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Status == StatusPending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

func (s *MemoryStore) MarkResolved(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusResolved
	return nil
}

func (s *MemoryStore) MarkRetried(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.RetryCount++
	return nil
}
