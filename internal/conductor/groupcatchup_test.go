package conductor

import (
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

func msg(role, content string) providers.Message {
	return providers.Message{Role: role, Content: content}
}

func TestSliceGroupCatchupFromLastAssistant(t *testing.T) {
	tape := []providers.Message{
		msg("user", "a"),
		msg("assistant", "b"),
		msg("user", "c"),
		msg("user", "d"),
	}
	prefix, working := sliceGroupCatchup(tape, 10)

	if len(prefix) != 1 || prefix[0].Content != "a" {
		t.Fatalf("expected prefix [a], got %+v", prefix)
	}
	if len(working) != 3 {
		t.Fatalf("expected working slice of 3, got %d", len(working))
	}
	if working[0].Content != "b" {
		t.Fatalf("expected working slice to start at the last assistant message, got %+v", working[0])
	}
}

func TestSliceGroupCatchupNoAssistantUsesWholeTape(t *testing.T) {
	tape := []providers.Message{msg("user", "a"), msg("user", "b")}
	prefix, working := sliceGroupCatchup(tape, 10)

	if len(prefix) != 0 {
		t.Fatalf("expected empty prefix, got %+v", prefix)
	}
	if len(working) != 2 {
		t.Fatalf("expected whole tape as working slice, got %d", len(working))
	}
}

func TestSliceGroupCatchupCapsAtMaxEntries(t *testing.T) {
	tape := []providers.Message{
		msg("assistant", "x"),
		msg("user", "1"),
		msg("user", "2"),
		msg("user", "3"),
		msg("user", "4"),
	}
	prefix, working := sliceGroupCatchup(tape, 2)

	if len(working) != 2 {
		t.Fatalf("expected working slice capped to 2, got %d", len(working))
	}
	if working[0].Content != "3" || working[1].Content != "4" {
		t.Fatalf("expected last 2 entries, got %+v", working)
	}
	if len(prefix) != 3 {
		t.Fatalf("expected prefix to absorb the overflow, got %d entries", len(prefix))
	}
}

func TestSliceGroupCatchupZeroMaxMeansUncapped(t *testing.T) {
	tape := make([]providers.Message, 50)
	for i := range tape {
		tape[i] = msg("user", "x")
	}
	_, working := sliceGroupCatchup(tape, 0)
	if len(working) != 50 {
		t.Fatalf("expected uncapped slice of 50, got %d", len(working))
	}
}
