package domain

import (
	"time"
)

// ConnectionState is the lifecycle state of a conversation session.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateEnded      ConnectionState = "ended"
	StateError      ConnectionState = "error"
)

// CanStart returns true if a fresh session may be started from this state.
func (s ConnectionState) CanStart() bool {
	switch s {
	case StateIdle, StateEnded, StateError, StateConnected:
		return true
	default:
		return false
	}
}

// SessionMode distinguishes text chat from voice calls.
type SessionMode string

const (
	ModeText  SessionMode = "text"
	ModeVoice SessionMode = "voice"
)

// Session is a conversation with an expert.
type Session struct {
	ID        string          `json:"session_id"`
	ExpertID  string          `json:"expert_id"`
	Mode      SessionMode     `json:"mode"`
	State     ConnectionState `json:"connection_state"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// MessageStatus tracks delivery of a user message.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// Source is a knowledge-base citation attached to an agent reply.
type Source struct {
	Title   string  `json:"title"`
	URL     string  `json:"url,omitempty"`
	FileID  string  `json:"file_id,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// ToolCall records a tool invocation made by the agent while answering.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
}

// Message is a single entry in a conversation transcript.
// Only Status changes after creation.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	Sources   []Source      `json:"sources,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Status    MessageStatus `json:"status,omitempty"`
}
