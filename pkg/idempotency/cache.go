package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conduit/pkg/envelope"
	"conduit/pkg/store"
)

// pendingMarker is the value held while a dispatch is in flight. Real
// records are JSON objects, so the marker can never collide with one.
const pendingMarker = "!pending"

// CacheStore implements Store on the atomic Cache primitive. With a redis
// cache behind it the at-most-once guarantee spans every router instance;
// with the in-memory cache it is process-local.
type CacheStore struct {
	Cache       store.Cache
	TTL         time.Duration
	InFlightTTL time.Duration
	Prefix      string
}

func NewCacheStore(c store.Cache) *CacheStore {
	return &CacheStore{
		Cache:       c,
		TTL:         DefaultTTL,
		InFlightTTL: DefaultInFlightTTL,
		Prefix:      "idem:",
	}
}

func (s *CacheStore) key(k string) string { return s.Prefix + k }

func (s *CacheStore) Reserve(ctx context.Context, key string) (Reservation, error) {
	// Two rounds: if the first SetNX loses to a reservation that expires
	// before the Get, the second round claims the key instead of parking
	// the caller behind a ghost.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.Cache.SetNX(ctx, s.key(key), pendingMarker, s.InFlightTTL)
		if err != nil {
			return Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
		}
		if ok {
			return Reservation{}, nil
		}
		val, err := s.Cache.Get(ctx, s.key(key))
		if errors.Is(err, store.ErrMiss) {
			continue
		}
		if err != nil {
			return Reservation{}, fmt.Errorf("reserve read %s: %w", key, err)
		}
		if val == pendingMarker {
			return Reservation{AlreadyExists: true, InFlight: true}, nil
		}
		var res envelope.Result
		if err := json.Unmarshal([]byte(val), &res); err != nil {
			return Reservation{}, fmt.Errorf("decode cached result %s: %w", key, err)
		}
		return Reservation{AlreadyExists: true, Result: &res}, nil
	}
	return Reservation{AlreadyExists: true, InFlight: true}, nil
}

func (s *CacheStore) Complete(ctx context.Context, key string, res envelope.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", key, err)
	}
	if err := s.Cache.Set(ctx, s.key(key), string(payload), s.TTL); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

func (s *CacheStore) Release(ctx context.Context, key string) error {
	return s.Cache.Del(ctx, s.key(key))
}

func (s *CacheStore) Invalidate(ctx context.Context, key string) error {
	return s.Cache.Del(ctx, s.key(key))
}
