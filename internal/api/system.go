package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ashureev/expertline/internal/bapi"
)

const healthCheckTimeout = 5 * time.Second

// GetConfig returns the settings the UI needs to render.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"logged_in":              h.auth.LoggedIn(),
		"billing_enabled":        h.cfg.BillingEnabled(),
		"stripe_publishable_key": h.cfg.Billing.StripePublishableKey,
		"speech_lang":            h.cfg.Speech.Lang,
		"pvc_min_samples":        h.cfg.PVC.MinSamples,
		"pvc_max_sample_bytes":   h.cfg.PVC.MaxSampleBytes,
	})
}

// Health returns the health of the companion and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	report := h.health.Check(ctx)
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, report)
}

// GetUsage refreshes and returns the plan usage. When the backend is down
// the last known status is returned.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	status, err := h.meter.Refresh(r.Context())
	if err == nil {
		JSON(w, http.StatusOK, status)
		return
	}
	if cached := h.meter.Status(); cached != nil && !errors.Is(err, bapi.ErrUnauthorized) {
		h.logger.Warn("serving cached usage", "error", err)
		JSON(w, http.StatusOK, cached)
		return
	}
	h.writeError(w, r, err)
}
