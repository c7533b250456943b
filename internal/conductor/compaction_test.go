package conductor

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

func TestExtractPlainTextSkipsToolTurns(t *testing.T) {
	messages := []providers.Message{
		msg("user", "hello"),
		{Role: "assistant", Content: "", ToolCalls: []providers.ToolCall{{ID: "1", Name: "shell"}}},
		{Role: "tool", Content: "output", ToolCallID: "1"},
		msg("assistant", "done"),
	}
	got := extractPlainText(messages)
	if !strings.Contains(got, "user: hello") || !strings.Contains(got, "assistant: done") {
		t.Fatalf("expected plain-text turns only, got %q", got)
	}
	if strings.Contains(got, "output") {
		t.Fatalf("expected tool result to be skipped, got %q", got)
	}
}

func TestTruncateUTF8RespectsRuneBoundary(t *testing.T) {
	s := "héllo wörld" // contains multi-byte runes
	for n := 0; n <= len(s)+2; n++ {
		out := truncateUTF8(s, n)
		if len(out) > n {
			t.Fatalf("truncateUTF8(%q, %d) returned longer output %q", s, n, out)
		}
		if !utf8.ValidString(out) {
			t.Fatalf("truncateUTF8(%q, %d) produced invalid UTF-8: %q", s, n, out)
		}
	}
}

func TestDroppableSliceRespectsKeepFirstAndKeepRecent(t *testing.T) {
	tape := make([]providers.Message, 10)
	cfg := config.ContextConfig{KeepFirst: 2, KeepRecent: 3}
	start, end := droppableSlice(tape, cfg)
	if start != 2 || end != 7 {
		t.Fatalf("expected [2,7), got [%d,%d)", start, end)
	}
}

func TestDroppableSliceEmptyWhenTapeFitsWithinKeepWindows(t *testing.T) {
	tape := make([]providers.Message, 4)
	cfg := config.ContextConfig{KeepFirst: 2, KeepRecent: 3}
	start, end := droppableSlice(tape, cfg)
	if end > start {
		t.Fatalf("expected no droppable range, got [%d,%d)", start, end)
	}
}

func TestNeedsCompactionRespectsBudget(t *testing.T) {
	tape := []providers.Message{msg("user", strings.Repeat("x", 4000))}
	if needsCompaction(tape, config.ContextConfig{MaxContextTokens: 0}) {
		t.Fatal("zero budget should mean compaction never triggers")
	}
	if !needsCompaction(tape, config.ContextConfig{MaxContextTokens: 10}) {
		t.Fatal("expected compaction to trigger once the rough token estimate exceeds the budget")
	}
}
