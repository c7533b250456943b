package security

import (
	"context"
	"sync/atomic"
)

// TokenUsageSource supplies the construction-time bootstrap total (spec
// §4.4.2: "On construction, the tracker loads today's total by summing
// audit.tokens_used for rows whose timestamp is >= UTC midnight of today").
// Satisfied by *store.Store.
type TokenUsageSource interface {
	TokenUsageToday(ctx context.Context) (int64, error)
}

// BudgetTracker holds lock-free atomic counters for today's token spend and
// the current session's turn count, with optional caps (zero = uncapped).
// Grounded on original_source/src/security/budget.rs: atomic counters
// translated from Rust AtomicU64 to Go atomic.Int64, same method set
// (can_continue/record_usage/record_turn/reset_turns/update_limits/
// load_from_db).
type BudgetTracker struct {
	tokensToday      atomic.Int64
	turnsThisSession atomic.Int64

	maxTokensPerDay    atomic.Int64
	maxTurnsPerSession atomic.Int64
}

// NewBudgetTracker constructs a tracker with the given caps (0 = uncapped).
func NewBudgetTracker(maxTokensPerDay int64, maxTurnsPerSession int) *BudgetTracker {
	b := &BudgetTracker{}
	b.maxTokensPerDay.Store(maxTokensPerDay)
	b.maxTurnsPerSession.Store(int64(maxTurnsPerSession))
	return b
}

// LoadFromDB bootstraps tokensToday from the audit log, so budget state
// survives a process restart (spec §4.4.2, SPEC_FULL §C.5).
func (b *BudgetTracker) LoadFromDB(ctx context.Context, src TokenUsageSource) error {
	total, err := src.TokenUsageToday(ctx)
	if err != nil {
		return err
	}
	b.tokensToday.Store(total)
	return nil
}

// CanContinue reports whether either cap has been reached. A zero cap
// means uncapped.
func (b *BudgetTracker) CanContinue() bool {
	if max := b.maxTokensPerDay.Load(); max > 0 && b.tokensToday.Load() >= max {
		return false
	}
	if max := b.maxTurnsPerSession.Load(); max > 0 && b.turnsThisSession.Load() >= max {
		return false
	}
	return true
}

// RecordUsage adds input+output tokens to today's running total.
func (b *BudgetTracker) RecordUsage(inputTokens, outputTokens int64) {
	b.tokensToday.Add(inputTokens + outputTokens)
}

// RecordTurn increments the current session's turn counter.
func (b *BudgetTracker) RecordTurn() {
	b.turnsThisSession.Add(1)
}

// ResetTurns zeroes the turn counter, called by the conductor on session
// switch (spec §4.4.2).
func (b *BudgetTracker) ResetTurns() {
	b.turnsThisSession.Store(0)
}

// UpdateLimits hot-reloads the caps (config.Applier target).
func (b *BudgetTracker) UpdateLimits(maxTokensPerDay int64, maxTurnsPerSession int) {
	b.maxTokensPerDay.Store(maxTokensPerDay)
	b.maxTurnsPerSession.Store(int64(maxTurnsPerSession))
}

// TokensToday returns the current running total, for audit/inspection.
func (b *BudgetTracker) TokensToday() int64 { return b.tokensToday.Load() }

// TurnsThisSession returns the current session's turn count.
func (b *BudgetTracker) TurnsThisSession() int64 { return b.turnsThisSession.Load() }
