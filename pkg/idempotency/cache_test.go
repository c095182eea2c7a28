package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"conduit/pkg/envelope"
	"conduit/pkg/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testResult(key string) envelope.Result {
	return envelope.Result{
		Success:        true,
		Timestamp:      "2025-03-01T12:00:00Z",
		IdempotencyKey: key,
		Data:           json.RawMessage(`{"id":42}`),
	}
}

func TestCacheStoreReserveCompleteReplay(t *testing.T) {
	s := NewCacheStore(store.NewMemoryCache())
	ctx := context.Background()

	r, err := s.Reserve(ctx, "k1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if r.AlreadyExists {
		t.Fatalf("fresh key reported as existing: %+v", r)
	}

	if err := s.Complete(ctx, "k1", testResult("k1")); err != nil {
		t.Fatalf("complete: %v", err)
	}

	r, err = s.Reserve(ctx, "k1")
	if err != nil {
		t.Fatalf("replay reserve: %v", err)
	}
	if !r.AlreadyExists || r.Result == nil {
		t.Fatalf("expected cached result, got %+v", r)
	}
	if !r.Result.Success || r.Result.IdempotencyKey != "k1" {
		t.Fatalf("cached result mangled: %+v", r.Result)
	}
	if string(r.Result.Data) != `{"id":42}` {
		t.Fatalf("cached data mangled: %s", r.Result.Data)
	}
}

func TestCacheStoreInFlightDuplicate(t *testing.T) {
	s := NewCacheStore(store.NewMemoryCache())
	ctx := context.Background()

	if _, err := s.Reserve(ctx, "k1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	r, err := s.Reserve(ctx, "k1")
	if err != nil {
		t.Fatalf("duplicate reserve: %v", err)
	}
	if !r.AlreadyExists || !r.InFlight || r.Result != nil {
		t.Fatalf("expected in-flight reservation, got %+v", r)
	}
}

func TestCacheStoreConcurrentReserveSingleWinner(t *testing.T) {
	s := NewCacheStore(store.NewMemoryCache())
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.Reserve(ctx, "same-key")
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if !r.AlreadyExists {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestCacheStoreReleaseFreesKey(t *testing.T) {
	s := NewCacheStore(store.NewMemoryCache())
	ctx := context.Background()

	if _, err := s.Reserve(ctx, "k1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.Release(ctx, "k1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	r, err := s.Reserve(ctx, "k1")
	if err != nil {
		t.Fatalf("re-reserve: %v", err)
	}
	if r.AlreadyExists {
		t.Fatalf("released key still held: %+v", r)
	}
}

func TestCacheStoreInvalidateDropsCompleted(t *testing.T) {
	s := NewCacheStore(store.NewMemoryCache())
	ctx := context.Background()

	if _, err := s.Reserve(ctx, "k1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.Complete(ctx, "k1", testResult("k1")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Invalidate(ctx, "k1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	r, err := s.Reserve(ctx, "k1")
	if err != nil {
		t.Fatalf("reserve after invalidate: %v", err)
	}
	if r.AlreadyExists {
		t.Fatalf("invalidated key still cached: %+v", r)
	}
}

func TestCacheStoreInFlightExpiry(t *testing.T) {
	s := NewCacheStore(store.NewMemoryCache())
	s.InFlightTTL = 10 * time.Millisecond
	ctx := context.Background()

	if _, err := s.Reserve(ctx, "k1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	r, err := s.Reserve(ctx, "k1")
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if r.AlreadyExists {
		t.Fatalf("expired reservation must not block the key: %+v", r)
	}
}

func TestCacheStoreOnRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	s := NewCacheStore(store.NewCache(ctx, client))

	r, err := s.Reserve(ctx, "k1")
	if err != nil || r.AlreadyExists {
		t.Fatalf("fresh reserve on redis: %+v err=%v", r, err)
	}
	if err := s.Complete(ctx, "k1", testResult("k1")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	r, err = s.Reserve(ctx, "k1")
	if err != nil || r.Result == nil {
		t.Fatalf("cached replay on redis: %+v err=%v", r, err)
	}

	// Completed TTL elapses and the key becomes reusable.
	mr.FastForward(DefaultTTL + time.Minute)
	r, err = s.Reserve(ctx, "k1")
	if err != nil || r.AlreadyExists {
		t.Fatalf("reserve after ttl: %+v err=%v", r, err)
	}
}
