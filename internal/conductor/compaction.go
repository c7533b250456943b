package conductor

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// maxCompactionExtractChars caps the plain-text extract written to memory
// before the normal compaction drops the messages (spec.md §4.3: "truncates
// to ~4000 chars on a UTF-8-safe boundary").
const maxCompactionExtractChars = 4000

// MemoryStore is the narrow store surface compaction needs.
type MemoryStore interface {
	InsertMemory(ctx context.Context, e store.MemoryEntry) (int64, error)
}

// needsCompaction reports whether the tape's rough token estimate exceeds
// the configured budget. Token counting is approximated the way the
// teacher's context-pruning config does — chars/4 — since no tokenizer
// dependency is wired into this build.
func needsCompaction(tape []providers.Message, cfg config.ContextConfig) bool {
	if cfg.MaxContextTokens <= 0 {
		return false
	}
	total := 0
	for _, m := range tape {
		total += len(m.Content) / 4
	}
	return total > cfg.MaxContextTokens
}

// droppableSlice returns the index range [start, end) of the tape's middle
// section that compaction is allowed to drop, keeping cfg.KeepFirst messages
// at the head and cfg.KeepRecent at the tail untouched.
func droppableSlice(tape []providers.Message, cfg config.ContextConfig) (start, end int) {
	start = cfg.KeepFirst
	end = len(tape) - cfg.KeepRecent
	if start < 0 {
		start = 0
	}
	if end < start {
		end = start
	}
	return start, end
}

// MemoryAwareCompaction extracts the droppable middle slice's plain-text
// turns into one memory row before the caller drops those messages from the
// agent's working context, so the gist of a compacted conversation survives
// in the hybrid-searchable memory store (spec.md §4.3).
func MemoryAwareCompaction(ctx context.Context, mem MemoryStore, sessionID string, tape []providers.Message, cfg config.ContextConfig, logger *slog.Logger) (droppedStart, droppedEnd int) {
	if logger == nil {
		logger = slog.Default()
	}
	start, end := droppableSlice(tape, cfg)
	if end <= start {
		return start, end
	}

	extract := extractPlainText(tape[start:end])
	if extract == "" {
		return start, end
	}
	extract = truncateUTF8(extract, maxCompactionExtractChars)

	if _, err := mem.InsertMemory(ctx, store.MemoryEntry{
		Content:    extract,
		Category:   string(store.CategoryContext),
		Importance: 3,
		Source:     "compaction:" + sessionID,
	}); err != nil {
		logger.Warn("compaction: failed to persist memory extract", "session_id", sessionID, "err", err)
	}

	return start, end
}

// extractPlainText keeps only User/Assistant turns with non-empty textual
// content, skipping tool calls, tool results, and summary markers (spec.md
// §4.3).
func extractPlainText(messages []providers.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String()
}

// truncateUTF8 cuts s to at most n bytes without splitting a multi-byte
// rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isUTF8Boundary(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isUTF8Boundary(b byte) bool {
	return b&0xC0 != 0x80
}
