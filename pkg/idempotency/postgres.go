package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conduit/pkg/envelope"
	"conduit/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var timeNow = time.Now

type idemDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore enforces at-most-once dispatch through the unique key
// constraint on idempotency_records: the INSERT ... ON CONFLICT DO NOTHING
// either claims the key or loses to whoever already holds it. An optional
// Cache sits in front for completed-result reads, the database stays
// authoritative.
type PostgresStore struct {
	DB          idemDB
	Cache       store.Cache
	TTL         time.Duration
	InFlightTTL time.Duration
}

func NewPostgresStore(db idemDB, cache store.Cache) *PostgresStore {
	return &PostgresStore{
		DB:          db,
		Cache:       cache,
		TTL:         DefaultTTL,
		InFlightTTL: DefaultInFlightTTL,
	}
}

func (s *PostgresStore) Reserve(ctx context.Context, key string) (Reservation, error) {
	if s.Cache != nil {
		if val, err := s.Cache.Get(ctx, "idem:"+key); err == nil {
			var res envelope.Result
			if err := json.Unmarshal([]byte(val), &res); err == nil {
				return Reservation{AlreadyExists: true, Result: &res}, nil
			}
		}
	}

	now := timeNow().UTC()
	// Clear expired rows first; two concurrent takeovers race on the INSERT
	// below and the unique constraint still picks exactly one winner.
	if _, err := s.DB.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE key=$1 AND (
			(status='pending' AND inflight_deadline < $2) OR
			(status='completed' AND expires_at < $2)
		)
	`, key, now); err != nil {
		return Reservation{}, fmt.Errorf("clear expired record %s: %w", key, err)
	}

	tag, err := s.DB.Exec(ctx, `
		INSERT INTO idempotency_records (key, status, reserved_at, inflight_deadline)
		VALUES ($1, 'pending', $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, now, now.Add(s.InFlightTTL))
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	if tag.RowsAffected() == 1 {
		return Reservation{}, nil
	}

	var status string
	var result []byte
	err = s.DB.QueryRow(ctx, `
		SELECT status, result FROM idempotency_records WHERE key=$1
	`, key).Scan(&status, &result)
	if errors.Is(err, pgx.ErrNoRows) {
		// Row vanished between INSERT and SELECT: another takeover is in
		// progress, treat as in flight and let the caller poll.
		return Reservation{AlreadyExists: true, InFlight: true}, nil
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("read record %s: %w", key, err)
	}
	if status == "pending" {
		return Reservation{AlreadyExists: true, InFlight: true}, nil
	}
	var res envelope.Result
	if err := json.Unmarshal(result, &res); err != nil {
		return Reservation{}, fmt.Errorf("decode stored result %s: %w", key, err)
	}
	if s.Cache != nil {
		_ = s.Cache.Set(ctx, "idem:"+key, string(result), s.TTL)
	}
	return Reservation{AlreadyExists: true, Result: &res}, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key string, res envelope.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", key, err)
	}
	now := timeNow().UTC()
	if _, err := s.DB.Exec(ctx, `
		INSERT INTO idempotency_records (key, status, result, reserved_at, inflight_deadline, expires_at)
		VALUES ($1, 'completed', $2, $3, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET status='completed', result=EXCLUDED.result, expires_at=EXCLUDED.expires_at
	`, key, payload, now, now.Add(s.TTL)); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	if s.Cache != nil {
		_ = s.Cache.Set(ctx, "idem:"+key, string(payload), s.TTL)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	if _, err := s.DB.Exec(ctx, `
		DELETE FROM idempotency_records WHERE key=$1 AND status='pending'
	`, key); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Invalidate(ctx context.Context, key string) error {
	if _, err := s.DB.Exec(ctx, `
		DELETE FROM idempotency_records WHERE key=$1
	`, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	if s.Cache != nil {
		_ = s.Cache.Del(ctx, "idem:"+key)
	}
	return nil
}
