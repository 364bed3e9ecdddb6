package domain

import "time"

// UsageEventType names a metered resource.
type UsageEventType string

const (
	UsageMessage     UsageEventType = "message"
	UsageCallMinutes UsageEventType = "call_minutes"
)

// UsageEvent is a delta reported to the backend.
type UsageEvent struct {
	Type           UsageEventType `json:"event_type"`
	Quantity       int            `json:"quantity"`
	ExpertID       string         `json:"expert_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// UsageLimitStatus is the server-authoritative view of plan consumption.
type UsageLimitStatus struct {
	MessagesUsed      int       `json:"messages_used"`
	MessageLimit      int       `json:"message_limit"`
	MessagesRemaining int       `json:"messages_remaining"`
	MinutesUsed       int       `json:"minutes_used"`
	MinuteLimit       int       `json:"minute_limit"`
	MinutesRemaining  int       `json:"minutes_remaining"`
	IsUnlimited       bool      `json:"is_unlimited"`
	FetchedAt         time.Time `json:"fetched_at"`
}

// MinutesExhausted reports whether a metered plan has no call minutes left.
func (s *UsageLimitStatus) MinutesExhausted() bool {
	return s != nil && !s.IsUnlimited && s.MinutesRemaining <= 0
}

// UsageCounter is the per-call metering state.
type UsageCounter struct {
	MessagesUsed      int `json:"messages_used"`
	MinutesUsed       int `json:"minutes_used"`
	LastTrackedMinute int `json:"last_tracked_minute"`
}
