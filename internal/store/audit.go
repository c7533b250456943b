package store

import (
	"context"
	"fmt"
	"time"
)

// AuditEventType is the set of event_type values written by the security
// envelope and conductor (spec.md §4.4, §7). Not a closed enum in the
// schema (TEXT column, append-only), but these are the names every writer
// in this codebase uses.
const (
	AuditToolCall       = "tool_call"
	AuditDenied         = "denied"
	AuditInputRejected  = "input_rejected"
	AuditLLMUsage       = "llm_usage"
	AuditInjectionWarn  = "injection_warn"
)

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID         int64
	SessionID  string // empty = none
	EventType  string
	ToolName   string // empty = none
	Detail     string // empty = none
	TokensUsed int64
	Timestamp  int64
}

// InsertAudit appends one audit row. Audit writes are best-effort
// everywhere they're called from (spec §7: "audit events best-effort so
// their failures only log-warn") — this method itself always returns the
// error; callers are responsible for not letting it abort their operation.
func (s *Store) InsertAudit(ctx context.Context, e AuditEntry) error {
	if e.Timestamp == 0 {
		e.Timestamp = nowMillis()
	}
	var sessionArg, toolArg, detailArg interface{}
	if e.SessionID != "" {
		sessionArg = e.SessionID
	}
	if e.ToolName != "" {
		toolArg = e.ToolName
	}
	if e.Detail != "" {
		detailArg = e.Detail
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (session_id, event_type, tool_name, detail, tokens_used, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionArg, e.EventType, toolArg, detailArg, e.TokensUsed, e.Timestamp)
	if err != nil {
		return fmt.Errorf("store: insert audit: %w", err)
	}
	return nil
}

// TokenUsageToday sums tokens_used across today's audit rows (UTC
// midnight), used by BudgetTracker's construction-time bootstrap (spec
// §4.4.2) and exposed as the store-side half of testable property #9.
func (s *Store) TokenUsageToday(ctx context.Context) (int64, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour).UnixMilli()
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT IFNULL(SUM(tokens_used), 0) FROM audit WHERE timestamp >= ?`, midnight).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: token usage today: %w", err)
	}
	return total, nil
}

// CountAuditByType counts audit rows of a given event_type since sinceMillis
// (0 = all time), used by tests asserting testable property #8 (exactly one
// denied row per denied tool call).
func (s *Store) CountAuditByType(ctx context.Context, eventType string, sinceMillis int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit WHERE event_type = ? AND timestamp >= ?`, eventType, sinceMillis).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count audit %s: %w", eventType, err)
	}
	return n, nil
}
