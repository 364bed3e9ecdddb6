package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/expertline/internal/domain"
)

type watchRequest struct {
	ExpertIDs []string `json:"expert_ids"`
}

type activateRequest struct {
	PlanID string `json:"plan_id"`
}

// ListExperts returns the user's experts.
func (h *Handler) ListExperts(w http.ResponseWriter, r *http.Request) {
	experts, err := h.backend.ListExperts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if experts == nil {
		experts = []domain.Expert{}
	}
	JSON(w, http.StatusOK, experts)
}

// GetExpert returns one expert.
func (h *Handler) GetExpert(w http.ResponseWriter, r *http.Request) {
	expert, err := h.backend.GetExpert(r.Context(), chi.URLParam(r, "expertID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, expert)
}

// ListKnowledgeFiles returns the knowledge base of an expert.
func (h *Handler) ListKnowledgeFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.backend.KnowledgeFiles(r.Context(), chi.URLParam(r, "expertID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []domain.KnowledgeFile{}
	}
	JSON(w, http.StatusOK, files)
}

// ListVoices returns the selectable voices.
func (h *Handler) ListVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := h.backend.ListVoices(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if voices == nil {
		voices = []domain.Voice{}
	}
	JSON(w, http.StatusOK, voices)
}

// VoicePreview returns a playable sample URL for a voice.
func (h *Handler) VoicePreview(w http.ResponseWriter, r *http.Request) {
	audioURL, err := h.backend.VoicePreview(r.Context(), chi.URLParam(r, "voiceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"audio_url": audioURL})
}

// GetPublication returns the public listing of an expert.
func (h *Handler) GetPublication(w http.ResponseWriter, r *http.Request) {
	pub, err := h.backend.GetPublication(r.Context(), chi.URLParam(r, "expertID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, pub)
}

// UpdatePublication saves the public listing of an expert.
func (h *Handler) UpdatePublication(w http.ResponseWriter, r *http.Request) {
	var pub domain.Publication
	if err := decodeJSON(w, r, &pub); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	pub.ExpertID = chi.URLParam(r, "expertID")
	if pub.IsPaid && pub.MonthlyPrice <= 0 {
		Error(w, http.StatusBadRequest, "paid listings need a monthly price")
		return
	}
	saved, err := h.backend.UpdatePublication(r.Context(), pub)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, saved)
}

// GetProgress returns the last polled indexing progress.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.workspace(r).Dashboard.Progress())
}

// WatchProgress polls indexing progress for the listed experts. Updates
// arrive as progress events.
func (h *Handler) WatchProgress(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.workspace(r).Dashboard.Watch(r.Context(), req.ExpertIDs)
	w.WriteHeader(http.StatusAccepted)
}

// StopProgress stops progress polling.
func (h *Handler) StopProgress(w http.ResponseWriter, r *http.Request) {
	h.workspace(r).Dashboard.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// ActivatePlan subscribes to a paid plan.
func (h *Handler) ActivatePlan(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.billing.Activate(r.Context(), req.PlanID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !result.RequiresAction {
		if _, err := h.meter.Refresh(r.Context()); err != nil {
			h.logger.Warn("failed to refresh usage after activation", "error", err)
		}
	}
	JSON(w, http.StatusOK, result)
}
