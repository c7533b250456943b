package conductor

import (
	"context"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// EventKind discriminates the events an Agent emits while draining a turn.
// Grounded on the teacher's internal/agent.AgentEvent (loop.go), narrowed to
// the three event kinds the turn algorithm actually reacts to.
type EventKind int

const (
	EventProgress EventKind = iota
	EventEnd
	EventInputRejected
)

// Event is one item in an Agent's turn stream.
type Event struct {
	Kind EventKind

	// Progress holds the streamed text for EventProgress.
	Progress string

	// End holds the accumulated final result for EventEnd.
	End *EndResult

	// RejectedReason holds the refusal detail for EventInputRejected.
	RejectedReason string
}

// EndResult is the terminal payload of a completed turn.
type EndResult struct {
	Content       string
	Messages      []providers.Message // the full updated message log, tool calls included
	InputTokens   int64
	OutputTokens  int64
}

// Agent is the single live agent instance the Conductor owns. Its internal
// think/act/observe loop (model calls, tool dispatch, context pruning) is
// out of scope for this package — spec.md scopes the agent loop itself out,
// describing only the contract the conductor drives it through. Anything
// implementing this interface is expected to already have applied the
// security envelope's tool wrapper to its tool set.
type Agent interface {
	// Prompt runs one turn given the session's current message log and new
	// user text, returning a channel of Events that the caller must drain to
	// completion (an EventEnd or EventInputRejected always terminates the
	// stream). Implementations close the channel once the terminal event has
	// been sent.
	Prompt(ctx context.Context, systemPrompt string, history []providers.Message, userText string) (<-chan Event, error)

	// Reset clears any in-memory working state the agent keeps between turns
	// (e.g. compacted summaries), called on session switch before History is
	// reloaded from the new session's tape.
	Reset()
}
