package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SavedWorker is a persisted dynamic sub-agent template (spec.md §3),
// distinct from the config-seeded WorkerConfig entries: these are created
// at runtime (e.g. via a tool call) and outlive a single process.
type SavedWorker struct {
	Name         string
	SystemPrompt string
	CreatedAt    int64
}

// UpsertSavedWorker creates or replaces a named worker template.
func (s *Store) UpsertSavedWorker(ctx context.Context, name, systemPrompt string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saved_workers (name, system_prompt, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET system_prompt = excluded.system_prompt
	`, name, systemPrompt, nowMillis())
	if err != nil {
		return fmt.Errorf("store: upsert saved worker %s: %w", name, err)
	}
	return nil
}

// GetSavedWorker fetches one worker template by name.
func (s *Store) GetSavedWorker(ctx context.Context, name string) (*SavedWorker, bool, error) {
	var w SavedWorker
	w.Name = name
	err := s.db.QueryRowContext(ctx,
		`SELECT system_prompt, created_at FROM saved_workers WHERE name = ?`, name,
	).Scan(&w.SystemPrompt, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get saved worker %s: %w", name, err)
	}
	return &w, true, nil
}

// ListSavedWorkers returns every persisted worker template.
func (s *Store) ListSavedWorkers(ctx context.Context) ([]SavedWorker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, system_prompt, created_at FROM saved_workers`)
	if err != nil {
		return nil, fmt.Errorf("store: list saved workers: %w", err)
	}
	defer rows.Close()

	var out []SavedWorker
	for rows.Next() {
		var w SavedWorker
		if err := rows.Scan(&w.Name, &w.SystemPrompt, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
