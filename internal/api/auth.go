package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/expertline/internal/domain"
)

type loginRequest struct {
	Token string       `json:"token"`
	User  *domain.User `json:"user,omitempty"`
}

type meResponse struct {
	User      *domain.User `json:"user"`
	ExpiresAt int64        `json:"expires_at,omitempty"`
}

// Login stores the token the UI obtained from the login page.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		Error(w, http.StatusBadRequest, "token is required")
		return
	}

	ctx := r.Context()
	if err := h.auth.Set(ctx, req.Token, req.User); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.User == nil {
		user, err := h.backend.CurrentUser(ctx)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if err := h.auth.SetUser(ctx, user); err != nil {
			h.logger.Warn("failed to cache user", "error", err)
		}
	}
	if _, err := h.meter.Refresh(ctx); err != nil {
		h.logger.Warn("failed to load usage after login", "error", err)
	}

	h.logger.Info("user logged in")
	h.GetMe(w, r)
}

// GetMe returns the logged-in user.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	creds := h.auth.Current()
	if creds == nil {
		Unauthorized(w, "login required")
		return
	}
	resp := meResponse{User: creds.User}
	if !creds.ExpiresAt.IsZero() {
		resp.ExpiresAt = creds.ExpiresAt.Unix()
	}
	JSON(w, http.StatusOK, resp)
}

// RefreshLogin exchanges the stored token for a fresh one.
func (h *Handler) RefreshLogin(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Refresh(r.Context(), h.backend); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetMe(w, r)
}

// Logout ends every open session and forgets the login.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.registry.CloseAll(ctx)
	if err := h.auth.Clear(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.meter.Reset()
	h.logger.Info("user logged out")
	JSON(w, http.StatusOK, map[string]string{"status": "logged_out", "redirect": LoginPath})
}
