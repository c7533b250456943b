package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
)

// Cortex maintenance bounds (spec.md §4.5): at most this many sessions get
// an agent-driven consolidation or indexing pass per run, so one scheduler
// tick can never spend an unbounded number of agent turns.
const (
	maxConsolidationsPerRun = 3
	maxIndexingPerRun       = 5
	recentTapesWindow       = 24 * time.Hour
	recentTapesMinMessages  = 4
)

// runCortex performs one round of memory maintenance: stale cleanup, dedup,
// bounded consolidation of recently active sessions, and bounded session
// indexing. Each step is independent and best-effort — a failure in one
// doesn't block the others.
func (s *Scheduler) runCortex(ctx context.Context) {
	s.logger.Info("cortex maintenance started")

	if n, err := s.store.DeleteStaleMemories(ctx); err != nil {
		s.logger.Warn("cortex: stale cleanup failed", "err", err)
	} else if n > 0 {
		s.logger.Info("cortex: stale memories deleted", "count", n)
	}

	if n, err := s.store.DedupMemories(ctx); err != nil {
		s.logger.Warn("cortex: dedup failed", "err", err)
	} else if n > 0 {
		s.logger.Info("cortex: duplicate memories removed", "count", n)
	}

	tapes, err := s.store.RecentTapes(ctx, time.Now().Add(-recentTapesWindow).UTC().UnixMilli(), recentTapesMinMessages)
	if err != nil {
		s.logger.Warn("cortex: recent tapes query failed", "err", err)
		return
	}

	s.consolidateSessions(ctx, tapes)
	s.indexSessions(ctx, tapes)

	s.logger.Info("cortex maintenance finished")
}

// consolidateSessions extracts FACT: lines from up to maxConsolidationsPerRun
// not-yet-consolidated sessions via a one-turn agent call, writing each as a
// category=fact,importance=6 memory. Idempotence is tracked per session via
// a "cortex_consolidated:<session_id>" state key so a session is never
// consolidated twice.
func (s *Scheduler) consolidateSessions(ctx context.Context, tapes []store.TapeSummary) {
	done := 0
	for _, t := range tapes {
		if done >= maxConsolidationsPerRun {
			return
		}
		key := "cortex_consolidated:" + t.SessionID
		already, err := s.store.HasState(ctx, key)
		if err != nil || already {
			continue
		}

		tape, ok, err := s.store.LoadTape(ctx, t.SessionID)
		if err != nil || !ok || len(tape) == 0 {
			continue
		}

		agent, err := s.agentFactory(ctx, 1)
		if err != nil {
			s.logger.Warn("cortex: consolidation agent unavailable", "session_id", t.SessionID, "err", err)
			return
		}

		prompt := "Review this conversation and extract durable facts worth remembering long-term. " +
			"Output each fact on its own line, prefixed with \"FACT: \". If there are none, output nothing.\n\n" +
			transcriptText(tape)

		passCtx := ctx
		var span trace.Span
		if s.tracer != nil {
			passCtx, span = s.tracer.StartCortexPass(ctx, "consolidate", t.SessionID)
		}
		facts, err := runOneShot(passCtx, agent, prompt)
		if span != nil {
			tracing.End(span, err)
		}
		if err != nil {
			s.logger.Warn("cortex: consolidation run failed", "session_id", t.SessionID, "err", err)
			continue
		}

		inserted := 0
		for _, line := range strings.Split(facts, "\n") {
			line = strings.TrimSpace(line)
			fact, ok := strings.CutPrefix(line, "FACT:")
			if !ok {
				continue
			}
			fact = strings.TrimSpace(fact)
			if fact == "" {
				continue
			}
			if _, err := s.store.InsertMemory(ctx, store.MemoryEntry{
				Content:    fact,
				Source:     "cortex:consolidation:" + t.SessionID,
				Category:   string(store.CategoryFact),
				Importance: 6,
			}); err != nil {
				s.logger.Warn("cortex: insert consolidated fact failed", "session_id", t.SessionID, "err", err)
				continue
			}
			inserted++
		}

		if err := s.store.SetState(ctx, key, "1"); err != nil {
			s.logger.Warn("cortex: failed to mark session consolidated", "session_id", t.SessionID, "err", err)
		}
		s.logger.Info("cortex: session consolidated", "session_id", t.SessionID, "facts", inserted)
		done++
	}
}

// indexSessions writes a short reflective summary per session as a
// category=reflection,importance=4 memory keyed "session_index:<id>", so
// later searches can surface "what happened in this session" without
// re-reading the whole tape. Bounded and idempotent the same way
// consolidation is.
func (s *Scheduler) indexSessions(ctx context.Context, tapes []store.TapeSummary) {
	done := 0
	for _, t := range tapes {
		if done >= maxIndexingPerRun {
			return
		}
		key := "cortex_indexed:" + t.SessionID
		already, err := s.store.HasState(ctx, key)
		if err != nil || already {
			continue
		}

		tape, ok, err := s.store.LoadTape(ctx, t.SessionID)
		if err != nil || !ok || len(tape) == 0 {
			continue
		}

		agent, err := s.agentFactory(ctx, 1)
		if err != nil {
			s.logger.Warn("cortex: indexing agent unavailable", "session_id", t.SessionID, "err", err)
			return
		}

		prompt := "Summarize this conversation in one or two sentences for future reference.\n\n" + transcriptText(tape)
		passCtx := ctx
		var span trace.Span
		if s.tracer != nil {
			passCtx, span = s.tracer.StartCortexPass(ctx, "index", t.SessionID)
		}
		summary, err := runOneShot(passCtx, agent, prompt)
		if span != nil {
			tracing.End(span, err)
		}
		if err != nil {
			s.logger.Warn("cortex: indexing run failed", "session_id", t.SessionID, "err", err)
			continue
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			continue
		}

		if _, err := s.store.InsertMemory(ctx, store.MemoryEntry{
			Key:        "session_index:" + t.SessionID,
			Content:    summary,
			Source:     "cortex:index:" + t.SessionID,
			Category:   string(store.CategoryReflection),
			Importance: 4,
		}); err != nil {
			s.logger.Warn("cortex: insert session index failed", "session_id", t.SessionID, "err", err)
			continue
		}

		if err := s.store.SetState(ctx, key, "1"); err != nil {
			s.logger.Warn("cortex: failed to mark session indexed", "session_id", t.SessionID, "err", err)
		}
		s.logger.Info("cortex: session indexed", "session_id", t.SessionID)
		done++
	}
}

// transcriptText renders a tape as plain user/assistant lines for a
// one-shot agent prompt.
func transcriptText(tape []providers.Message) string {
	var b strings.Builder
	for _, m := range tape {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
