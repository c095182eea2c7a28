package clientqueue

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the durable queue backend. One local file, WAL mode, a
// single writer connection. Use ":memory:" for throwaway stores.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: connect %s: %w", path, err)
	}

	// SQLite allows one writer at a time. A single connection also keeps
	// an in-memory database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("queue: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (id, envelope, state, attempts, last_error, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, []byte(e.Envelope), e.State, e.Attempts, e.LastError, e.EnqueuedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, envelope, state, attempts, last_error, enqueued_at
		FROM queue_entries
		ORDER BY enqueued_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var body []byte
		var at int64
		if err := rows.Scan(&e.ID, &body, &e.State, &e.Attempts, &e.LastError, &at); err != nil {
			return nil, fmt.Errorf("queue: scan entry: %w", err)
		}
		e.Envelope = body
		e.EnqueuedAt = time.UnixMilli(at).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate entries: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Update(ctx context.Context, e Entry) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET state = ?, attempts = ?, last_error = ?
		WHERE id = ?
	`, e.State, e.Attempts, e.LastError, e.ID)
	if err != nil {
		return fmt.Errorf("queue: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Evict(ctx context.Context, maxEntries int, cutoff time.Time) (int, error) {
	dropped := int64(0)
	if !cutoff.IsZero() {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM queue_entries WHERE enqueued_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("queue: evict by age: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("queue: evict by age: %w", err)
		}
		dropped += n
	}
	if maxEntries > 0 {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM queue_entries WHERE id NOT IN (
				SELECT id FROM queue_entries
				ORDER BY enqueued_at DESC, id DESC
				LIMIT ?
			)
		`, maxEntries)
		if err != nil {
			return 0, fmt.Errorf("queue: evict by count: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("queue: evict by count: %w", err)
		}
		dropped += n
	}
	return int(dropped), nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
