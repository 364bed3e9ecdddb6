package bapi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ashureev/expertline/internal/domain"
)

// ListExperts returns the experts owned by the user.
func (c *Client) ListExperts(ctx context.Context) ([]domain.Expert, error) {
	var out []domain.Expert
	if err := c.do(ctx, request{method: http.MethodGet, route: "/experts", path: "/experts", out: &out}); err != nil {
		return nil, err
	}
	return out, nil
}

// GetExpert returns a single expert.
func (c *Client) GetExpert(ctx context.Context, expertID string) (*domain.Expert, error) {
	var out domain.Expert
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/experts/{id}",
		path:   "/experts/" + url.PathEscape(expertID),
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ExpertProgress returns knowledge-base indexing progress.
func (c *Client) ExpertProgress(ctx context.Context, expertID string) (*domain.ExpertProgress, error) {
	var out domain.ExpertProgress
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/experts/{id}/progress",
		path:   "/experts/" + url.PathEscape(expertID) + "/progress",
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	if out.ExpertID == "" {
		out.ExpertID = expertID
	}
	return &out, nil
}

// KnowledgeFiles lists the documents in an expert's knowledge base.
func (c *Client) KnowledgeFiles(ctx context.Context, expertID string) ([]domain.KnowledgeFile, error) {
	var out []domain.KnowledgeFile
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/experts/{id}/knowledge-files",
		path:   "/experts/" + url.PathEscape(expertID) + "/knowledge-files",
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListVoices returns the selectable voices.
func (c *Client) ListVoices(ctx context.Context) ([]domain.Voice, error) {
	var out []domain.Voice
	if err := c.do(ctx, request{method: http.MethodGet, route: "/voices", path: "/voices", out: &out}); err != nil {
		return nil, err
	}
	return out, nil
}

// VoicePreview returns a playable preview URL for a voice.
func (c *Client) VoicePreview(ctx context.Context, voiceID string) (string, error) {
	var out struct {
		AudioURL string `json:"audio_url"`
	}
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/voices/{id}/preview",
		path:   "/voices/" + url.PathEscape(voiceID) + "/preview",
		out:    &out,
	})
	if err != nil {
		return "", err
	}
	return out.AudioURL, nil
}

// GetPublication returns the public listing for an expert.
func (c *Client) GetPublication(ctx context.Context, expertID string) (*domain.Publication, error) {
	var out domain.Publication
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/publications/{expertId}",
		path:   "/publications/" + url.PathEscape(expertID),
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePublication replaces the public listing for an expert.
func (c *Client) UpdatePublication(ctx context.Context, pub domain.Publication) (*domain.Publication, error) {
	var out domain.Publication
	err := c.do(ctx, request{
		method: http.MethodPut,
		route:  "/publications/{expertId}",
		path:   "/publications/" + url.PathEscape(pub.ExpertID),
		body:   pub,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
