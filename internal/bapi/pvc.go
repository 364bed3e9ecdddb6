package bapi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ashureev/expertline/internal/domain"
)

// PVCQuota is the user's professional voice clone allowance.
type PVCQuota struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

// defaultPVCLimit applies when the backend omits the limit.
const defaultPVCLimit = 1

// Exhausted reports whether no further clone may be created.
func (q PVCQuota) Exhausted() bool {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPVCLimit
	}
	return q.Count >= limit
}

// PVCCreateRequest describes a new professional voice clone.
type PVCCreateRequest struct {
	Name        string `json:"name"`
	Language    string `json:"language"`
	Description string `json:"description,omitempty"`
}

// VerifyResult is the outcome of a captcha recording check.
type VerifyResult struct {
	Verified bool   `json:"verified"`
	Message  string `json:"message,omitempty"`
}

func pvcPath(voiceID, suffix string) string {
	return "/voices/pvc/" + url.PathEscape(voiceID) + suffix
}

// PVCQuota returns how many clones exist and the plan limit.
func (c *Client) PVCQuota(ctx context.Context) (*PVCQuota, error) {
	var out PVCQuota
	if err := c.do(ctx, request{method: http.MethodGet, route: "/voices/pvc/quota", path: "/voices/pvc/quota", out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePVC creates a voice clone shell and returns its voice id.
func (c *Client) CreatePVC(ctx context.Context, req PVCCreateRequest) (string, error) {
	var out struct {
		VoiceID string `json:"voice_id"`
	}
	if err := c.do(ctx, request{method: http.MethodPost, route: "/voices/pvc", path: "/voices/pvc", body: req, out: &out}); err != nil {
		return "", err
	}
	return out.VoiceID, nil
}

// UploadPVCSamples uploads training samples in one multipart request.
func (c *Client) UploadPVCSamples(ctx context.Context, voiceID string, samples []domain.VoiceSample) error {
	files := make([]FilePart, 0, len(samples))
	for _, s := range samples {
		files = append(files, FilePart{
			Field:       "files",
			FileName:    s.FileName,
			ContentType: s.ContentType,
			Data:        s.Data,
		})
	}
	return c.doMultipart(ctx, "/voices/pvc/{id}/samples", pvcPath(voiceID, "/samples"), nil, files, nil)
}

// PVCCaptcha fetches the verification challenge.
func (c *Client) PVCCaptcha(ctx context.Context, voiceID string) (*domain.Captcha, error) {
	var out domain.Captcha
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/voices/pvc/{id}/captcha",
		path:   pvcPath(voiceID, "/captcha"),
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyPVC uploads the captcha recording.
func (c *Client) VerifyPVC(ctx context.Context, voiceID string, rec domain.Recording) (*VerifyResult, error) {
	var out VerifyResult
	err := c.doMultipart(ctx, "/voices/pvc/{id}/verify", pvcPath(voiceID, "/verify"), nil, []FilePart{{
		Field:       "recording",
		FileName:    rec.FileName,
		ContentType: rec.ContentType,
		Data:        rec.Data,
	}}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TrainPVC starts fine-tuning.
func (c *Client) TrainPVC(ctx context.Context, voiceID string) error {
	return c.do(ctx, request{method: http.MethodPost, route: "/voices/pvc/{id}/train", path: pvcPath(voiceID, "/train")})
}

// PVCStatus returns the training state of a clone.
func (c *Client) PVCStatus(ctx context.Context, voiceID string) (*domain.TrainingStatus, error) {
	var out domain.TrainingStatus
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/voices/pvc/{id}/status",
		path:   pvcPath(voiceID, "/status"),
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePVC removes a clone.
func (c *Client) DeletePVC(ctx context.Context, voiceID string) error {
	return c.do(ctx, request{method: http.MethodDelete, route: "/voices/pvc/{id}", path: pvcPath(voiceID, "")})
}
