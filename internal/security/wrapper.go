package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// Auditor is the narrow store surface the wrapper needs, satisfied by
// *store.Store. Audit writes are best-effort: a failure is logged and
// swallowed rather than propagated, so a full disk never blocks a tool call.
type Auditor interface {
	InsertAudit(ctx context.Context, e store.AuditEntry) error
}

// Tool is the minimal callable a tool-execution layer exposes to the
// security wrapper. The actual tool registry and execution machinery live
// outside this package; CheckedCall only needs a name, its arguments, and a
// way to run it once cleared.
type Tool func(ctx context.Context, args map[string]interface{}) (string, error)

// Wrapper enforces PolicyEngine's 4-check pipeline in front of every tool
// call and writes an audit row for the outcome, pass or deny (spec.md
// §4.4.1 steps 4-5: "every tool call ... writes exactly one audit row").
type Wrapper struct {
	policy *PolicyEngine
	audit  Auditor
	logger *slog.Logger
}

// NewWrapper constructs a policy-enforcing, audit-writing tool wrapper.
func NewWrapper(policy *PolicyEngine, audit Auditor, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{policy: policy, audit: audit, logger: logger}
}

// CheckedCall evaluates toolName/args against the live policy. On denial it
// writes the denied audit row and returns before fn ever runs (spec.md
// §4.4.1 step 4). On pass it writes the tool_call audit row with the call's
// args_json as detail at the authorize point, then delegates to fn (step
// 5) — the row records that the call was authorized, not how it turned
// out, so a tool's own error doesn't overwrite what was actually audited.
func (w *Wrapper) CheckedCall(ctx context.Context, sessionID, toolName string, args map[string]interface{}, fn Tool) (string, error) {
	decision := w.policy.CheckToolCall(ctx, toolName, args)

	if !decision.Allowed {
		if err := w.audit.InsertAudit(ctx, store.AuditEntry{
			SessionID: sessionID,
			EventType: store.AuditDenied,
			ToolName:  toolName,
			Detail:    decision.Reason,
		}); err != nil {
			w.logger.Warn("audit write failed", "event", store.AuditDenied, "err", err)
		}
		return "", fmt.Errorf("security: tool %s denied: %s", toolName, decision.Reason)
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		w.logger.Warn("failed to marshal tool args for audit", "tool", toolName, "err", err)
		argsJSON = []byte("{}")
	}
	if err := w.audit.InsertAudit(ctx, store.AuditEntry{
		SessionID: sessionID,
		EventType: store.AuditToolCall,
		ToolName:  toolName,
		Detail:    string(argsJSON),
	}); err != nil {
		w.logger.Warn("audit write failed", "event", store.AuditToolCall, "err", err)
	}

	return fn(ctx, args)
}

// RecordInjectionVerdict writes the audit row for a flagged message,
// regardless of which layer flagged it (spec §4.4.3: every flagged input
// gets a best-effort audit row before the conductor acts on Verdict.Action).
func (w *Wrapper) RecordInjectionVerdict(ctx context.Context, sessionID string, v Verdict) {
	if !v.Flagged {
		return
	}
	detail := fmt.Sprintf("layer=%s score=%.2f action=%s", v.Layer, v.Score, v.Action)
	if v.MatchedText != "" {
		detail += " match=" + v.MatchedText
	}
	if err := w.audit.InsertAudit(ctx, store.AuditEntry{
		SessionID: sessionID,
		EventType: store.AuditInjectionWarn,
		Detail:    detail,
	}); err != nil {
		w.logger.Warn("audit write failed", "event", store.AuditInjectionWarn, "err", err)
	}
}
