package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// QueueStatus is the closed set of lifecycle states for a queue entry
// (spec.md §3).
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueDone       QueueStatus = "done"
	QueueFailed     QueueStatus = "failed"
)

// QueueEntry is one durable message awaiting (or having completed)
// conductor processing.
type QueueEntry struct {
	ID          int64
	Channel     string
	SenderID    string
	SessionID   string
	Content     string
	IsGroup     bool
	Status      QueueStatus
	ErrorMsg    string
	CreatedAt   int64
	ProcessedAt sql.NullInt64
}

// PushQueue inserts a new pending entry (spec §4.2 push). Grounded on
// nevindra-oasis's transactional insert shape, simplified here since a
// single insert needs no transaction.
func (s *Store) PushQueue(ctx context.Context, channel, senderID, sessionID, content string, isGroup bool) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (channel, sender_id, session_id, content, is_group, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
	`, channel, senderID, sessionID, content, isGroup, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("store: push queue: %w", err)
	}
	return res.LastInsertId()
}

// ClaimNext atomically selects the oldest pending row (FIFO on created_at,
// ties broken by id per spec §4.2), flips it to processing, and returns it.
// Returns (nil, nil) when the queue is empty. The select+update runs inside
// one transaction so two concurrent claimers can never both win the same
// row (spec.md §3 invariant: exactly one worker executes a processing row).
func (s *Store) ClaimNext(ctx context.Context) (*QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: claim begin: %w", err)
	}
	defer tx.Rollback()

	var e QueueEntry
	var errMsg sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, channel, sender_id, session_id, content, is_group, status, error_msg, created_at, processed_at
		FROM queue WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC LIMIT 1
	`).Scan(&e.ID, &e.Channel, &e.SenderID, &e.SessionID, &e.Content, &e.IsGroup, &e.Status,
		&errMsg, &e.CreatedAt, &e.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim select: %w", err)
	}
	e.ErrorMsg = errMsg.String

	if _, err := tx.ExecContext(ctx, `UPDATE queue SET status = 'processing' WHERE id = ?`, e.ID); err != nil {
		return nil, fmt.Errorf("store: claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: claim commit: %w", err)
	}
	e.Status = QueueProcessing
	return &e, nil
}

// MarkDone transitions an entry to its terminal success state.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = 'done', processed_at = ? WHERE id = ?`, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("store: mark done %d: %w", id, err)
	}
	return nil
}

// MarkFailed transitions an entry to its terminal failure state. The queue
// itself never retries (spec §4.2, §9 open question resolved as "never";
// retry policy, if any, is the conductor's to own).
func (s *Store) MarkFailed(ctx context.Context, id int64, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = 'failed', error_msg = ?, processed_at = ? WHERE id = ?`,
		errText, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("store: mark failed %d: %w", id, err)
	}
	return nil
}

// RequeueStale resets every processing row to pending, guaranteeing no
// orphaned in-flight work survives a restart (spec §4.2, §8 property #1).
func (s *Store) RequeueStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE queue SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("store: requeue stale: %w", err)
	}
	return res.RowsAffected()
}

// PendingCount reports the number of pending entries, for observability.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending count: %w", err)
	}
	return n, nil
}
