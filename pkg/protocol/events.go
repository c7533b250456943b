// Package protocol defines wire-level constants shared between the
// conductor, scheduler, and the optional web status feed.
package protocol

// Event names pushed over the status websocket feed.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventHealth   = "health"
	EventCron     = "cron"
	EventTick     = "tick"
	EventShutdown = "shutdown"

	EventDelegationStarted   = "delegation.started"
	EventDelegationCompleted = "delegation.completed"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
	AgentEventInputRejected = "input.rejected"
)

// Chat event subtypes (in payload.type).
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
