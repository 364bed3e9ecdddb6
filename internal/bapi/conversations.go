package bapi

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/expertline/internal/domain"
)

// AgentReply is the expert's answer to a user message.
type AgentReply struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Sources   []domain.Source   `json:"sources,omitempty"`
	ToolCalls []domain.ToolCall `json:"tool_calls,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateConversation opens a new conversation with an expert.
func (c *Client) CreateConversation(ctx context.Context, expertID string, mode domain.SessionMode) (string, error) {
	var out struct {
		ConversationID string `json:"conversation_id"`
	}
	err := c.do(ctx, request{
		method: http.MethodPost,
		route:  "/conversations",
		path:   "/conversations",
		body: map[string]string{
			"expert_id": expertID,
			"mode":      string(mode),
		},
		out: &out,
	})
	if err != nil {
		return "", err
	}
	return out.ConversationID, nil
}

// EndConversation closes a conversation on the backend.
func (c *Client) EndConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		route:  "/conversations/{id}/end",
		path:   "/conversations/" + url.PathEscape(conversationID) + "/end",
	})
}

// SendMessage posts a user message and returns the agent reply.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (*AgentReply, error) {
	var out struct {
		Message AgentReply `json:"message"`
	}
	err := c.do(ctx, request{
		method: http.MethodPost,
		route:  "/conversations/{id}/messages",
		path:   "/conversations/" + url.PathEscape(conversationID) + "/messages",
		body:   map[string]string{"text": text},
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// ListMessages returns the stored transcript of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var out struct {
		Messages []domain.Message `json:"messages"`
	}
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/conversations/{id}/messages",
		path:   "/conversations/" + url.PathEscape(conversationID) + "/messages",
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}
