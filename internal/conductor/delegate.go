package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
)

// defaultMaxDelegationLoad bounds how many delegations may run concurrently
// across the whole conductor, grounded on the teacher's
// internal/tools/delegate.go defaultMaxDelegationLoad.
const defaultMaxDelegationLoad = 5

// WorkerFactory builds an Agent for a named worker, resolving either a
// config-seeded WorkerConfig or a runtime store.SavedWorker. The conductor
// owns worker construction; this package stays provider-agnostic.
type WorkerFactory func(ctx context.Context, workerName string) (Agent, error)

// DelegationTask tracks one in-flight delegation, grounded on the teacher's
// internal/tools/delegate.go DelegationTask, narrowed to the single-tenant
// fields this daemon's delegate_to_worker actually needs.
type DelegationTask struct {
	ID          string
	SessionID   string
	WorkerName  string
	Task        string
	Status      string // "running", "completed", "failed"
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// DelegateToWorker runs the named sub-agent directly on text, bypassing the
// main agent entirely, and appends the exchange to both the calling
// session's tape and the target worker's own tape (spec.md §4.3, SPEC_FULL
// §C.1's dual-write). A bounded number of delegations may run concurrently;
// callers beyond the limit get an error rather than blocking indefinitely.
func (c *Conductor) DelegateToWorker(ctx context.Context, sessionID, workerName, text string) (reply string, err error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.StartDelegation(ctx, sessionID, workerName)
		defer func() { tracing.End(span, err) }()
	}

	if atomic.AddInt32(&c.activeDelegations, 1) > int32(c.maxDelegationLoad()) {
		atomic.AddInt32(&c.activeDelegations, -1)
		return "", fmt.Errorf("conductor: delegation load exceeded (max %d concurrent)", c.maxDelegationLoad())
	}
	defer atomic.AddInt32(&c.activeDelegations, -1)

	task := DelegationTask{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		WorkerName: workerName,
		Task:       text,
		Status:     "running",
		CreatedAt:  time.Now().UTC(),
	}
	c.logger.Info("delegation started", "id", task.ID, "worker", workerName)

	worker, err := c.workerFactory(ctx, workerName)
	if err != nil {
		task.Status = "failed"
		return "", fmt.Errorf("conductor: resolve worker %q: %w", workerName, err)
	}

	workerSessionID := "worker:" + workerName
	workerTape, _, err := c.store.LoadTape(ctx, workerSessionID)
	if err != nil {
		return "", fmt.Errorf("conductor: load worker tape %q: %w", workerSessionID, err)
	}

	events, err := worker.Prompt(ctx, "", workerTape, text)
	if err != nil {
		task.Status = "failed"
		return "", fmt.Errorf("conductor: worker %q prompt: %w", workerName, err)
	}

	var result *EndResult
	for ev := range events {
		switch ev.Kind {
		case EventEnd:
			result = ev.End
		case EventInputRejected:
			task.Status = "failed"
			return "", fmt.Errorf("conductor: worker %q rejected input: %s", workerName, ev.RejectedReason)
		}
	}
	if result == nil {
		task.Status = "failed"
		return "", fmt.Errorf("conductor: worker %q produced no result", workerName)
	}

	if err := c.store.SaveTape(ctx, workerSessionID, result.Messages); err != nil {
		c.logger.Warn("delegation: failed to persist worker tape", "worker", workerName, "err", err)
	}

	summary := fmt.Sprintf("[delegated to %s]\nrequest: %s\nresult: %s", workerName, text, result.Content)
	callerTape, _, err := c.store.LoadTape(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("conductor: load caller tape %q: %w", sessionID, err)
	}
	callerTape = append(callerTape,
		providers.Message{Role: "user", Content: text},
		providers.Message{Role: "assistant", Content: summary},
	)
	if err := c.store.SaveTape(ctx, sessionID, callerTape); err != nil {
		return "", fmt.Errorf("conductor: save caller tape %q: %w", sessionID, err)
	}

	now := time.Now().UTC()
	task.CompletedAt = &now
	task.Status = "completed"
	c.logger.Info("delegation completed", "id", task.ID, "worker", workerName)

	if err := c.store.InsertAudit(ctx, store.AuditEntry{
		SessionID: sessionID,
		EventType: store.AuditToolCall,
		ToolName:  "delegate_to_worker",
		Detail:    workerName,
	}); err != nil {
		c.logger.Warn("delegation: audit write failed", "err", err)
	}

	return result.Content, nil
}

func (c *Conductor) maxDelegationLoad() int {
	if c.maxDelegationLoadOverride > 0 {
		return c.maxDelegationLoadOverride
	}
	return defaultMaxDelegationLoad
}
