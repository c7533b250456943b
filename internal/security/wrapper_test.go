package security

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

type recordingAuditor struct {
	entries []store.AuditEntry
}

func (r *recordingAuditor) InsertAudit(ctx context.Context, e store.AuditEntry) error {
	r.entries = append(r.entries, e)
	return nil
}

func TestWrapperDeniedCallWritesOneAuditRowAndSkipsTool(t *testing.T) {
	policy := NewPolicyEngine(config.SecurityConfig{
		Tools: map[string]config.ToolPolicyConfig{"shell": {Enabled: false}},
	})
	aud := &recordingAuditor{}
	w := NewWrapper(policy, aud, slog.Default())

	called := false
	_, err := w.CheckedCall(context.Background(), "sess-1", "shell", map[string]interface{}{"command": "ls"},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			called = true
			return "ok", nil
		})

	if err == nil {
		t.Fatal("expected denial error")
	}
	if called {
		t.Fatal("expected inner tool to never run on denial")
	}
	if len(aud.entries) != 1 || aud.entries[0].EventType != store.AuditDenied {
		t.Fatalf("expected exactly one denied audit row, got %+v", aud.entries)
	}
}

func TestWrapperAllowedCallWritesToolCallAuditRow(t *testing.T) {
	policy := NewPolicyEngine(config.SecurityConfig{
		Tools: map[string]config.ToolPolicyConfig{"shell": {Enabled: true}},
	})
	aud := &recordingAuditor{}
	w := NewWrapper(policy, aud, slog.Default())

	result, err := w.CheckedCall(context.Background(), "sess-1", "shell", map[string]interface{}{"command": "ls"},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "output", nil
		})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "output" {
		t.Fatalf("expected inner tool result to pass through, got %q", result)
	}
	if len(aud.entries) != 1 || aud.entries[0].EventType != store.AuditToolCall {
		t.Fatalf("expected exactly one tool_call audit row, got %+v", aud.entries)
	}
	if aud.entries[0].Detail != `{"command":"ls"}` {
		t.Fatalf("expected audit row detail to be the call's args_json, got %q", aud.entries[0].Detail)
	}
}

func TestWrapperPropagatesToolError(t *testing.T) {
	policy := NewPolicyEngine(config.SecurityConfig{
		Tools: map[string]config.ToolPolicyConfig{"shell": {Enabled: true}},
	})
	aud := &recordingAuditor{}
	w := NewWrapper(policy, aud, slog.Default())

	_, err := w.CheckedCall(context.Background(), "sess-1", "shell", map[string]interface{}{"command": "ls"},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "", errors.New("boom")
		})

	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected the inner tool's error to propagate unchanged, got %v", err)
	}
	if len(aud.entries) != 1 || aud.entries[0].EventType != store.AuditToolCall {
		t.Fatalf("expected exactly one tool_call audit row written at authorize time, got %+v", aud.entries)
	}
	if aud.entries[0].Detail != `{"command":"ls"}` {
		t.Fatalf("expected audit row detail to capture the call's args_json, got %q", aud.entries[0].Detail)
	}
}

func TestRecordInjectionVerdictSkipsUnflagged(t *testing.T) {
	aud := &recordingAuditor{}
	w := NewWrapper(NewPolicyEngine(config.SecurityConfig{}), aud, slog.Default())
	w.RecordInjectionVerdict(context.Background(), "sess-1", Verdict{Flagged: false})
	if len(aud.entries) != 0 {
		t.Fatalf("expected no audit row for an unflagged verdict, got %+v", aud.entries)
	}
}

func TestRecordInjectionVerdictWritesFlagged(t *testing.T) {
	aud := &recordingAuditor{}
	w := NewWrapper(NewPolicyEngine(config.SecurityConfig{}), aud, slog.Default())
	w.RecordInjectionVerdict(context.Background(), "sess-1", Verdict{Flagged: true, Layer: "pattern", Score: 1.0, Action: ActionBlock})
	if len(aud.entries) != 1 || aud.entries[0].EventType != store.AuditInjectionWarn {
		t.Fatalf("expected one injection_warn audit row, got %+v", aud.entries)
	}
}
