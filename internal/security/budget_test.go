package security

import (
	"context"
	"testing"
)

type fakeUsageSource struct{ total int64 }

func (f fakeUsageSource) TokenUsageToday(ctx context.Context) (int64, error) {
	return f.total, nil
}

func TestBudgetTrackerCanContinueUncapped(t *testing.T) {
	b := NewBudgetTracker(0, 0)
	b.RecordUsage(1_000_000, 1_000_000)
	for i := 0; i < 1000; i++ {
		b.RecordTurn()
	}
	if !b.CanContinue() {
		t.Fatal("expected uncapped tracker to always allow continuing")
	}
}

func TestBudgetTrackerTokenCap(t *testing.T) {
	b := NewBudgetTracker(100, 0)
	b.RecordUsage(60, 50)
	if b.CanContinue() {
		t.Fatal("expected token cap to be reached")
	}
}

func TestBudgetTrackerTurnCap(t *testing.T) {
	b := NewBudgetTracker(0, 3)
	b.RecordTurn()
	b.RecordTurn()
	b.RecordTurn()
	if b.CanContinue() {
		t.Fatal("expected turn cap to be reached")
	}
}

func TestBudgetTrackerResetTurns(t *testing.T) {
	b := NewBudgetTracker(0, 1)
	b.RecordTurn()
	if b.CanContinue() {
		t.Fatal("expected turn cap to be reached before reset")
	}
	b.ResetTurns()
	if !b.CanContinue() {
		t.Fatal("expected reset to clear the turn cap")
	}
}

func TestBudgetTrackerLoadFromDB(t *testing.T) {
	b := NewBudgetTracker(100, 0)
	if err := b.LoadFromDB(context.Background(), fakeUsageSource{total: 90}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.TokensToday() != 90 {
		t.Fatalf("expected tokensToday to be bootstrapped to 90, got %d", b.TokensToday())
	}
	if !b.CanContinue() {
		t.Fatal("expected 90/100 to still allow continuing")
	}
	b.RecordUsage(20, 0)
	if b.CanContinue() {
		t.Fatal("expected 110/100 to exceed the cap")
	}
}

func TestBudgetTrackerUpdateLimits(t *testing.T) {
	b := NewBudgetTracker(10, 0)
	b.RecordUsage(20, 0)
	if b.CanContinue() {
		t.Fatal("expected cap to be reached")
	}
	b.UpdateLimits(1000, 0)
	if !b.CanContinue() {
		t.Fatal("expected hot-reloaded cap to allow continuing")
	}
}
