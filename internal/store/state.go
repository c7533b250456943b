package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetState reads a generic key/value row, used for idempotence markers
// like "cortex_consolidated:<session_id>" (spec.md §3).
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get state %q: %w", key, err)
	}
	return v, true, nil
}

// SetState upserts a generic key/value row.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set state %q: %w", key, err)
	}
	return nil
}

// HasState reports whether key exists, a cheap idempotence check used by
// cortex before spending an agent turn on consolidation/indexing.
func (s *Store) HasState(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.GetState(ctx, key)
	return ok, err
}
