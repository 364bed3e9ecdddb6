package domain

import "time"

// Expert is a user-created AI avatar.
type Expert struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	VoiceID     string    `json:"voice_id,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	IsPublic    bool      `json:"is_public"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExpertProgress reports knowledge-base indexing progress for an expert.
type ExpertProgress struct {
	ExpertID string  `json:"expert_id"`
	Status   string  `json:"status"`
	Percent  float64 `json:"percent"`
	Message  string  `json:"message,omitempty"`
}

// Done reports whether indexing reached a final state.
func (p ExpertProgress) Done() bool {
	return p.Status == "completed" || p.Status == "failed" || p.Percent >= 100
}

// KnowledgeFile is a document in an expert's knowledge base.
type KnowledgeFile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Voice is a selectable synthetic voice.
type Voice struct {
	ID         string `json:"voice_id"`
	Name       string `json:"name"`
	Category   string `json:"category,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// Publication is the public listing of an expert.
type Publication struct {
	ExpertID     string  `json:"expert_id"`
	Slug         string  `json:"slug"`
	IsPublic     bool    `json:"is_public"`
	IsPaid       bool    `json:"is_paid"`
	MonthlyPrice float64 `json:"monthly_price,omitempty"`
	Currency     string  `json:"currency,omitempty"`
	Description  string  `json:"description,omitempty"`
}
