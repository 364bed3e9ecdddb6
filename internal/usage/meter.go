// Package usage meters messages and call minutes against the plan limits
// reported by the backend.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/expertline/internal/domain"
)

// Backend is the subset of the backend client the meter needs.
type Backend interface {
	UsageLimits(ctx context.Context) (*domain.UsageLimitStatus, error)
	TrackUsage(ctx context.Context, event domain.UsageEvent) error
}

// Meter holds the last fetched limit status. The backend stays authoritative:
// there is no local decrement between refreshes.
type Meter struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	status   *domain.UsageLimitStatus
	onChange []func(domain.UsageLimitStatus)
}

// NewMeter creates a meter over backend.
func NewMeter(backend Backend, logger *slog.Logger) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{backend: backend, logger: logger, now: time.Now}
}

// OnChange registers a callback invoked after each successful refresh.
func (m *Meter) OnChange(fn func(domain.UsageLimitStatus)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Status returns a copy of the last fetched status, or nil before the first refresh.
func (m *Meter) Status() *domain.UsageLimitStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == nil {
		return nil
	}
	cp := *m.status
	return &cp
}

// CanSendMessage reports whether one more message is allowed.
func (m *Meter) CanSendMessage() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == nil || m.status.IsUnlimited {
		return true
	}
	return m.status.MessagesRemaining > 0
}

// CanMakeCall reports whether more than minutes call minutes remain.
func (m *Meter) CanMakeCall(minutes int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == nil || m.status.IsUnlimited {
		return true
	}
	return m.status.MinutesRemaining > minutes
}

// Refresh fetches the current status from the backend.
func (m *Meter) Refresh(ctx context.Context) (*domain.UsageLimitStatus, error) {
	status, err := m.backend.UsageLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh usage limits: %w", err)
	}
	if status.FetchedAt.IsZero() {
		status.FetchedAt = m.now()
	}

	m.mu.Lock()
	m.status = status
	listeners := append([]func(domain.UsageLimitStatus){}, m.onChange...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(*status)
	}
	cp := *status
	return &cp, nil
}

// Track reports a usage delta and then refreshes. Both steps are best
// effort: failures are logged and the caller carries on.
func (m *Meter) Track(ctx context.Context, event domain.UsageEvent) {
	if event.Quantity <= 0 {
		return
	}
	if err := m.backend.TrackUsage(ctx, event); err != nil {
		m.logger.Warn("failed to track usage",
			"event_type", event.Type,
			"quantity", event.Quantity,
			"conversation_id", event.ConversationID,
			"error", err)
	}
	if _, err := m.Refresh(ctx); err != nil {
		m.logger.Warn("failed to refresh usage after tracking", "error", err)
	}
}

// Reset forgets the cached status, e.g. after logout.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.status = nil
	m.mu.Unlock()
}
