// Package api provides the local HTTP API the UI drives the companion with.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/expertline/internal/auth"
	"github.com/ashureev/expertline/internal/bapi"
	"github.com/ashureev/expertline/internal/billing"
	"github.com/ashureev/expertline/internal/call"
	"github.com/ashureev/expertline/internal/config"
	"github.com/ashureev/expertline/internal/conversation"
	"github.com/ashureev/expertline/internal/domain"
	"github.com/ashureev/expertline/internal/health"
	"github.com/ashureev/expertline/internal/identity"
	"github.com/ashureev/expertline/internal/pvc"
	"github.com/ashureev/expertline/internal/usage"
)

// LoginPath is where the UI sends users whose login is gone.
const LoginPath = "/auth/login"

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

// Backend is everything the API needs from the backend client.
type Backend interface {
	conversation.Backend
	pvc.Backend
	usage.Backend
	auth.Refresher

	Ping(ctx context.Context) error
	CurrentUser(ctx context.Context) (*domain.User, error)
	ListExperts(ctx context.Context) ([]domain.Expert, error)
	GetExpert(ctx context.Context, expertID string) (*domain.Expert, error)
	ExpertProgress(ctx context.Context, expertID string) (*domain.ExpertProgress, error)
	KnowledgeFiles(ctx context.Context, expertID string) ([]domain.KnowledgeFile, error)
	ListVoices(ctx context.Context) ([]domain.Voice, error)
	VoicePreview(ctx context.Context, voiceID string) (string, error)
	GetPublication(ctx context.Context, expertID string) (*domain.Publication, error)
	UpdatePublication(ctx context.Context, pub domain.Publication) (*domain.Publication, error)
}

// Handler provides common handler utilities and the shared services.
type Handler struct {
	backend  Backend
	auth     *auth.Service
	meter    *usage.Meter
	registry *Registry
	billing  *billing.Service
	health   *health.Checker
	events   http.Handler
	cfg      *config.Config
	logger   *slog.Logger
}

// Deps wires a Handler.
type Deps struct {
	Backend  Backend
	Auth     *auth.Service
	Meter    *usage.Meter
	Registry *Registry
	Billing  *billing.Service
	Health   *health.Checker
	Events   http.Handler
	Config   *config.Config
	Logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{
		backend:  d.Backend,
		auth:     d.Auth,
		meter:    d.Meter,
		registry: d.Registry,
		billing:  d.Billing,
		health:   d.Health,
		events:   d.Events,
		cfg:      d.Config,
		logger:   d.Logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Unauthorized tells the UI to send the user to the login page.
func Unauthorized(w http.ResponseWriter, message string) {
	JSON(w, http.StatusUnauthorized, map[string]string{"error": message, "redirect": LoginPath})
}

// badRequest is a client mistake caught before any backend call.
var badRequest = []error{
	conversation.ErrExpertRequired,
	conversation.ErrEmptyMessage,
	pvc.ErrDetailsIncomplete,
	pvc.ErrSamplesNotReady,
	pvc.ErrInvalidSample,
	pvc.ErrNoRecording,
	pvc.ErrNoVoice,
	billing.ErrPlanRequired,
}

// conflict is a request that does not fit the current state.
var conflict = []error{
	conversation.ErrSessionBusy,
	conversation.ErrNotConnected,
	conversation.ErrResponsePending,
	conversation.ErrNotRetryable,
	conversation.ErrSessionReplaced,
	call.ErrCallActive,
	call.ErrCallEnded,
	pvc.ErrWrongStep,
	pvc.ErrBusy,
	pvc.ErrWizardReset,
	pvc.ErrSampleNotRecording,
}

// limited means the plan refused the request.
var limited = []error{
	conversation.ErrMessageLimitReached,
	call.ErrMinuteLimitReached,
	pvc.ErrQuotaExceeded,
}

// StatusFor maps an error to the HTTP status the UI sees.
func StatusFor(err error) int {
	var apiErr *bapi.APIError
	switch {
	case errors.Is(err, bapi.ErrUnauthorized), errors.Is(err, auth.ErrNotLoggedIn):
		return http.StatusUnauthorized
	case isAny(err, badRequest):
		return http.StatusBadRequest
	case isAny(err, conflict):
		return http.StatusConflict
	case isAny(err, limited):
		return http.StatusTooManyRequests
	case errors.Is(err, pvc.ErrSampleNotFound):
		return http.StatusNotFound
	case errors.Is(err, pvc.ErrVerificationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrPaymentFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, billing.ErrBillingDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr):
		if apiErr.Status >= 500 {
			return http.StatusBadGateway
		}
		return apiErr.Status
	default:
		return http.StatusInternalServerError
	}
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// writeError renders err with the status StatusFor picks. Backend messages
// are passed through; internal errors are not.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	var apiErr *bapi.APIError

	switch {
	case status == http.StatusUnauthorized:
		Unauthorized(w, "login required")
		return
	case status == http.StatusInternalServerError:
		h.logger.Error("request failed", "error", err, "path", r.URL.Path, "workspace", identity.WorkspaceKey(r.Context()))
		Error(w, status, "internal error")
		return
	case errors.As(err, &apiErr) && apiErr.Message != "":
		Error(w, status, apiErr.Message)
		return
	}
	Error(w, status, err.Error())
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// workspace returns the workspace of the request's tab.
func (h *Handler) workspace(r *http.Request) *Workspace {
	return h.registry.Get(identity.WorkspaceKey(r.Context()))
}

// RequireLogin rejects requests while no user is logged in.
func (h *Handler) RequireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.auth.LoggedIn() {
			Unauthorized(w, "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
