package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"conduit/pkg/envelope"
)

type dlDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists dead letters in the dead_letters table. A partial
// unique index on (idempotency_key) WHERE status='pending' backs the
// one-pending-entry-per-key rule.
type PostgresStore struct {
	DB dlDB
}

func NewPostgresStore(db dlDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Capture(ctx context.Context, env *envelope.Envelope, det envelope.ErrorDetail) error {
	envRaw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	detRaw, err := json.Marshal(det)
	if err != nil {
		return fmt.Errorf("marshal error detail: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO dead_letters (id, idempotency_key, envelope, error, status, retry_count, captured_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $5)
		ON CONFLICT (idempotency_key) WHERE status = 'pending'
		DO UPDATE SET error = EXCLUDED.error,
		              retry_count = dead_letters.retry_count + 1,
		              updated_at = EXCLUDED.updated_at
	`, newID(), env.IdempotencyKey, envRaw, detRaw, timeNow().UTC())
	return err
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, idempotency_key, envelope, error, status, retry_count, captured_at
		FROM dead_letters WHERE status = 'pending'
		ORDER BY captured_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Entry, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, idempotency_key, envelope, error, status, retry_count, captured_at
		FROM dead_letters WHERE id = $1
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) MarkResolved(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE dead_letters SET status = 'resolved', updated_at = $2 WHERE id = $1
	`, id, timeNow().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRetried(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE dead_letters SET retry_count = retry_count + 1, updated_at = $2 WHERE id = $1
	`, id, timeNow().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e        Entry
		envRaw   json.RawMessage
		detRaw   json.RawMessage
		captured time.Time
	)
	if err := row.Scan(&e.ID, &e.IdempotencyKey, &envRaw, &detRaw, &e.Status, &e.RetryCount, &captured); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal(envRaw, &e.Envelope); err != nil {
		return Entry{}, fmt.Errorf("unmarshal stored envelope: %w", err)
	}
	if err := json.Unmarshal(detRaw, &e.Error); err != nil {
		return Entry{}, fmt.Errorf("unmarshal stored error: %w", err)
	}
	e.CapturedAt = captured
	return e, nil
}
