package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/conductor"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
)

// dispatchCron checks every enabled cron job's schedule against now and
// runs the ones that are due and haven't already fired this minute (spec.md
// §4.5: "unconditionally update cron_jobs.updated_at = now" on every fire,
// which this uses as the per-minute dedup marker across overlapping ticks).
func (s *Scheduler) dispatchCron(ctx context.Context, now time.Time) {
	jobs, err := s.store.EnabledCronJobs(ctx)
	if err != nil {
		s.logger.Warn("scheduler: list cron jobs failed", "err", err)
		return
	}

	for _, j := range jobs {
		due, err := s.gron.IsDue(j.Schedule, now)
		if err != nil {
			s.logger.Warn("scheduler: invalid cron schedule", "job", j.Name, "schedule", j.Schedule, "err", err)
			continue
		}
		if !due {
			continue
		}
		if sameMinute(now, time.UnixMilli(j.UpdatedAt).UTC()) {
			continue
		}
		s.runCronJob(ctx, j, now)
	}
}

// sameMinute reports whether a and b fall within the same minute bucket,
// used to avoid firing a job twice when the tick interval divides a minute.
func sameMinute(a, b time.Time) bool {
	return a.Truncate(time.Minute).Equal(b.Truncate(time.Minute))
}

// runCronJob executes one due job: isolated mode gets a fresh session per
// run and a single-turn agent; persistent mode reuses one session across
// runs and allows the agent up to 5 internal turns. Grounded on the
// conductor's DelegateToWorker shape (internal/conductor/delegate.go):
// resolve an Agent, load/prompt/save its own tape, outside the interactive
// Conductor's turn lock entirely.
func (s *Scheduler) runCronJob(ctx context.Context, j store.CronJob, now time.Time) {
	runID, err := s.store.StartCronRun(ctx, j.Name)
	if err != nil {
		s.logger.Warn("scheduler: start cron run failed", "job", j.Name, "err", err)
		return
	}

	sessionID := fmt.Sprintf("cron:%s:%d", j.Name, now.UnixMilli())
	maxTurns := 1
	if j.SessionMode == store.SessionPersistent {
		sessionID = "cron:" + j.Name
		maxTurns = 5
	}

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.StartCronRun(ctx, j.Name, sessionID)
	}

	result, runErr := s.runJobPrompt(ctx, sessionID, j.Prompt, maxTurns)
	if span != nil {
		tracing.End(span, runErr)
	}

	status := store.RunOK
	if runErr != nil {
		status = store.RunError
		result = runErr.Error()
		s.logger.Warn("scheduler: cron run failed", "job", j.Name, "err", runErr)
	} else {
		s.logger.Info("scheduler: cron run completed", "job", j.Name)
	}

	if err := s.store.FinishCronRun(ctx, runID, status, result); err != nil {
		s.logger.Warn("scheduler: finish cron run failed", "job", j.Name, "err", err)
	}
	if err := s.store.TouchCronJob(ctx, j.Name, now.UnixMilli()); err != nil {
		s.logger.Warn("scheduler: touch cron job failed", "job", j.Name, "err", err)
	}
	if err := s.store.InsertAudit(ctx, store.AuditEntry{
		SessionID: sessionID,
		EventType: store.AuditToolCall,
		ToolName:  "cron:" + j.Name,
		Detail:    status,
	}); err != nil {
		s.logger.Warn("scheduler: audit write failed", "job", j.Name, "err", err)
	}

	if s.cfg.OnCronRun != nil {
		s.cfg.OnCronRun(j.Name, status)
	}

	if runErr == nil && j.TargetChannel != "" {
		s.deliver(j.TargetChannel, sessionID, result)
	}
}

func (s *Scheduler) runJobPrompt(ctx context.Context, sessionID, prompt string, maxTurns int) (string, error) {
	agent, err := s.agentFactory(ctx, maxTurns)
	if err != nil {
		return "", fmt.Errorf("scheduler: resolve cron agent: %w", err)
	}

	tape, _, err := s.store.LoadTape(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("scheduler: load cron tape %q: %w", sessionID, err)
	}

	content, messages, err := promptAgent(ctx, agent, tape, prompt)
	if err != nil {
		return "", err
	}

	if err := s.store.SaveTape(ctx, sessionID, messages); err != nil {
		s.logger.Warn("scheduler: save cron tape failed", "session_id", sessionID, "err", err)
	}
	return content, nil
}

// deliver routes a cron job's result to its configured target channel. The
// target is either a bare session id ("tg-123", "dc-456", "slack-C1") from
// which the owning channel is derived, or an explicit "<channel>:<chat_id>"
// pair.
func (s *Scheduler) deliver(target, sessionID, content string) {
	if content == "" {
		return
	}
	channelName, chatID, ok := channels.ChannelForSessionID(target)
	if !ok {
		channelName, chatID, ok = splitChannelTarget(target)
	}
	if !ok {
		channelName, chatID, ok = channels.ChannelForSessionID(sessionID)
	}
	if !ok {
		s.logger.Warn("scheduler: could not resolve cron delivery target", "target", target)
		return
	}
	s.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}

func splitChannelTarget(target string) (channel, chatID string, ok bool) {
	for i := 0; i < len(target); i++ {
		if target[i] == ':' {
			return target[:i], target[i+1:], true
		}
	}
	return "", "", false
}

// runOneShot runs a single prompt against a fresh/short-lived agent and
// returns only its text content, used by cortex's consolidation/indexing
// passes which don't need the updated message log.
func runOneShot(ctx context.Context, agent conductor.Agent, prompt string) (string, error) {
	content, _, err := promptAgent(ctx, agent, nil, prompt)
	return content, err
}

// promptAgent drains one agent turn to completion, returning its final
// content and updated message log.
func promptAgent(ctx context.Context, agent conductor.Agent, history []providers.Message, prompt string) (string, []providers.Message, error) {
	events, err := agent.Prompt(ctx, "", history, prompt)
	if err != nil {
		return "", nil, fmt.Errorf("scheduler: agent prompt: %w", err)
	}
	var result *conductor.EndResult
	for ev := range events {
		switch ev.Kind {
		case conductor.EventEnd:
			result = ev.End
		case conductor.EventInputRejected:
			return "", nil, fmt.Errorf("scheduler: agent rejected input: %s", ev.RejectedReason)
		}
	}
	if result == nil {
		return "", nil, fmt.Errorf("scheduler: agent produced no result")
	}
	return result.Content, result.Messages, nil
}
