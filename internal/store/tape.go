package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// LoadTape returns the persisted message sequence for a session, or
// (nil, false) if no tape row exists yet. Grounded on the teacher's
// session_store.go SessionData shape, adapted from file-based JSON to a
// sqlite row per spec.md §3.
func (s *Store) LoadTape(ctx context.Context, sessionID string) ([]providers.Message, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages_json FROM tape WHERE session_id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: load tape %s: %w", sessionID, err)
	}
	var messages []providers.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, false, fmt.Errorf("store: decode tape %s: %w", sessionID, err)
	}
	return messages, true, nil
}

// SaveTape upsert-replaces the whole tape blob atomically (spec.md §3:
// "writes replace the whole blob atomically"), so two concurrent writers
// to the same session never interleave partial JSON.
func (s *Store) SaveTape(ctx context.Context, sessionID string, messages []providers.Message) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("store: encode tape %s: %w", sessionID, err)
	}
	now := nowMillis()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tape (session_id, messages_json, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			messages_json = excluded.messages_json,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at
	`, sessionID, string(raw), len(messages), now, now)
	if err != nil {
		return fmt.Errorf("store: save tape %s: %w", sessionID, err)
	}
	return nil
}

// DeleteTape removes a session's tape entirely (not called by any normal
// operation per spec.md §3 "never deleted automatically"; exposed for
// administrative use / tests).
func (s *Store) DeleteTape(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tape WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("store: delete tape %s: %w", sessionID, err)
	}
	return nil
}

// TapeSummary is one session's message count and unix-millis updated_at, as
// listed by RecentTapes for cortex consolidation/indexing to find recently
// active sessions.
type TapeSummary struct {
	SessionID    string
	MessageCount int
	UpdatedAt    int64
}

// RecentTapes returns tapes updated within the last `since` window with at
// least minMessages messages, newest first.
func (s *Store) RecentTapes(ctx context.Context, sinceMillis int64, minMessages int) ([]TapeSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, message_count, updated_at FROM tape
		WHERE updated_at >= ? AND message_count >= ?
		ORDER BY updated_at DESC
	`, sinceMillis, minMessages)
	if err != nil {
		return nil, fmt.Errorf("store: recent tapes: %w", err)
	}
	defer rows.Close()

	var out []TapeSummary
	for rows.Next() {
		var t TapeSummary
		if err := rows.Scan(&t.SessionID, &t.MessageCount, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
