// Package agentloop is the one concrete conductor.Agent implementation this
// repository ships. spec.md scopes "the LLM agent loop itself (provider
// dispatch, streaming, tool execution)" out of the conductor package's own
// responsibility — it only specifies the contract conductor drives an Agent
// through. This package is the minimal, single-provider-call-per-turn
// implementation needed to make cmd actually runnable against that
// contract: no internal think/act/observe loop, no tool dispatch beyond
// forwarding tool schemas to the provider, no incremental token streaming.
//
// Grounded on the teacher's internal/agent/loop.go for the overall shape
// (system prompt + history + new user text in, a drained event channel
// out, Reset clearing state on session switch) narrowed to the single-call
// boundary described above.
package agentloop

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/conductor"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// Loop adapts a providers.Provider into a conductor.Agent.
type Loop struct {
	provider providers.Provider
	tools    []providers.ToolDefinition

	// fallbackSystemPrompt is used when Prompt is called with an empty
	// systemPrompt, which is how the conductor invokes a delegated worker
	// (internal/conductor/delegate.go calls worker.Prompt(ctx, "", ...) —
	// the worker's own system prompt is expected to live on the Agent
	// instance, not be threaded through the call).
	fallbackSystemPrompt string
}

// New builds a Loop. tools, if non-empty, is forwarded on every request as
// schema only — this package never executes a tool call itself.
// fallbackSystemPrompt is the agent's fixed system prompt: a worker's persona,
// or the configured main prompt for the conductor's agent (the conductor
// calls Prompt with an empty systemPrompt, so this is the one that applies).
func New(provider providers.Provider, tools []providers.ToolDefinition, fallbackSystemPrompt string) *Loop {
	return &Loop{provider: provider, tools: tools, fallbackSystemPrompt: fallbackSystemPrompt}
}

// Prompt issues exactly one provider call per turn and emits exactly one
// EventProgress followed by one EventEnd, matching the Agent contract's
// "drain to a terminal event" shape without any true intermediate
// streaming. If the provider call fails, it emits a single
// EventInputRejected carrying the error instead.
func (l *Loop) Prompt(ctx context.Context, systemPrompt string, history []providers.Message, userText string) (<-chan conductor.Event, error) {
	if systemPrompt == "" {
		systemPrompt = l.fallbackSystemPrompt
	}
	messages := make([]providers.Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: userText})

	req := providers.ChatRequest{
		Model:    l.provider.DefaultModel(),
		Messages: messages,
		Tools:    l.tools,
	}

	out := make(chan conductor.Event, 2)
	go func() {
		defer close(out)

		resp, err := l.provider.Chat(ctx, req)
		if err != nil {
			out <- conductor.Event{
				Kind:           conductor.EventInputRejected,
				RejectedReason: fmt.Sprintf("provider call failed: %v", err),
			}
			return
		}

		out <- conductor.Event{Kind: conductor.EventProgress, Progress: resp.Content}

		updated := append(append([]providers.Message{}, messages...),
			providers.Message{Role: "assistant", Content: resp.Content})

		var inputTokens, outputTokens int64
		if resp.Usage != nil {
			inputTokens = int64(resp.Usage.PromptTokens)
			outputTokens = int64(resp.Usage.CompletionTokens)
		}

		out <- conductor.Event{
			Kind: conductor.EventEnd,
			End: &conductor.EndResult{
				Content:      resp.Content,
				Messages:     updated,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			},
		}
	}()

	return out, nil
}

// Reset is a no-op: Loop keeps no working state between turns beyond what
// the conductor already threads through History.
func (l *Loop) Reset() {}
