package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/expertline/internal/conversation"
	"github.com/ashureev/expertline/internal/domain"
	"github.com/ashureev/expertline/internal/events"
)

type startRequest struct {
	ExpertID string `json:"expert_id"`
	Resume   bool   `json:"resume,omitempty"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type transcriptRequest struct {
	Role domain.Role `json:"role"`
	Text string      `json:"text"`
}

// GetConversation returns the session and transcript of the tab.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.workspace(r).Conversation.Snapshot())
}

// StartConversation opens a chat, or resumes the last one with the expert.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ws := h.workspace(r)
	start := ws.Conversation.Start
	if req.Resume {
		start = ws.Conversation.Resume
	}
	if _, err := start(r.Context(), req.ExpertID); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, ws.Conversation.Snapshot())
}

// SendMessage sends one user message and waits for the reply.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ws := h.workspace(r)
	if !ws.chat.Allow() {
		Error(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}

	reply, err := ws.Conversation.SendMessage(r.Context(), req.Text)
	if errors.Is(err, conversation.ErrMessageLimitReached) {
		h.registry.publish(ws.Key, events.TypeLimitReached, limitEvent{Kind: "messages"})
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

// RetryMessage resends a failed message.
func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(r)
	if !ws.chat.Allow() {
		Error(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}
	reply, err := ws.Conversation.Retry(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

// EndConversation closes the chat. The transcript stays readable.
func (h *Handler) EndConversation(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(r)
	ws.Conversation.End(r.Context())
	JSON(w, http.StatusOK, ws.Conversation.Snapshot())
}

// GetCall returns the voice call state.
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(r)
	JSON(w, http.StatusOK, map[string]any{
		"call":       ws.Call.State(),
		"transcript": ws.Voice.Snapshot(),
	})
}

// StartCall starts a voice call when the plan has minutes left.
func (h *Handler) StartCall(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := h.workspace(r).Call.Start(r.Context(), req.ExpertID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, state)
}

// AppendCallTranscript adds a line spoken during the call.
func (h *Handler) AppendCallTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role != domain.RoleUser && req.Role != domain.RoleAgent {
		Error(w, http.StatusBadRequest, "role must be user or agent")
		return
	}
	ws := h.workspace(r)
	if err := ws.Voice.AppendTranscript(req.Role, req.Text); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EndCall hangs up. Calling it twice is harmless.
func (h *Handler) EndCall(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.workspace(r).Call.End(r.Context()))
}

// GetSpeech returns the speech adapter state.
func (h *Handler) GetSpeech(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.workspace(r).Speech.State())
}

// StartSpeech asks the device to start listening.
func (h *Handler) StartSpeech(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(r)
	if err := ws.Speech.Start(r.Context()); err != nil {
		// The adapter already carries the user-facing message.
		JSON(w, http.StatusConflict, ws.Speech.State())
		return
	}
	JSON(w, http.StatusOK, ws.Speech.State())
}

// StopSpeech stops listening.
func (h *Handler) StopSpeech(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(r)
	if err := ws.Speech.Stop(r.Context()); err != nil {
		h.logger.Warn("failed to stop speech device", "workspace", ws.Key, "error", err)
	}
	JSON(w, http.StatusOK, ws.Speech.State())
}

// SpeechMessageSent clears the dictated text after the UI sent it itself.
func (h *Handler) SpeechMessageSent(w http.ResponseWriter, r *http.Request) {
	ws := h.workspace(r)
	ws.Speech.MessageSent()
	JSON(w, http.StatusOK, ws.Speech.State())
}
