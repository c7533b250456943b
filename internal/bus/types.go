// Package bus defines the message types and the in-process channels that
// carry them between channel adapters, the coalescer, and the main loop.
//
// Types are grounded on the teacher's internal/bus/types.go (InboundMessage,
// OutboundMessage, MediaAttachment); fields absent from the teacher but
// required by spec.md §4.1's IncomingMessage contract (SessionID,
// SenderName, ReplyTo, Timestamp, WorkerHint, IsGroup) are added here.
package bus

import "time"

// InboundMessage is one message received from a channel adapter, and also
// the coalescer's input/output type (spec §4.1's IncomingMessage).
type InboundMessage struct {
	Channel      string            `json:"channel"`
	SessionID    string            `json:"session_id"`
	SenderID     string            `json:"sender_id"`
	SenderName   string            `json:"sender_name,omitempty"`
	ChatID       string            `json:"chat_id"`
	Content      string            `json:"content"`
	Media        []string          `json:"media,omitempty"`
	ReplyTo      string            `json:"reply_to,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	WorkerHint   string            `json:"worker_hint,omitempty"`
	IsGroup      bool              `json:"is_group"`
	PeerKind     string            `json:"peer_kind,omitempty"` // "direct" or "group"
	AgentID      string            `json:"agent_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	HistoryLimit int               `json:"history_limit,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SessionKey returns the canonical session identity for grouping: the
// explicit SessionID if the adapter set one, otherwise "<channel>-<chat_id>".
func (m InboundMessage) SessionKey() string {
	if m.SessionID != "" {
		return m.SessionID
	}
	return m.Channel + "-" + m.ChatID
}

// OutboundMessage is a message to be delivered to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file to send alongside a message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is a server-side event broadcast to the optional web status feed.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}
