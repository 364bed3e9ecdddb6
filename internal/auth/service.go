// Package auth owns the logged-in state of the companion.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/expertline/internal/domain"
)

// ErrNotLoggedIn is returned when an operation needs credentials and none are held.
var ErrNotLoggedIn = errors.New("not logged in")

// CredentialStore persists credentials across restarts.
type CredentialStore interface {
	GetCredentials(ctx context.Context) (*domain.Credentials, error)
	SaveCredentials(ctx context.Context, creds *domain.Credentials) error
	DeleteCredentials(ctx context.Context) error
}

// Refresher obtains a new token for the current one.
type Refresher interface {
	RefreshToken(ctx context.Context) (token string, user *domain.User, err error)
}

// Service is the only writer of credentials. Readers call Token or Current.
type Service struct {
	store  CredentialStore
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	creds     *domain.Credentials
	listeners []func(loggedIn bool)
}

// NewService creates an auth service backed by store.
func NewService(store CredentialStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// OnChange registers a callback fired after every login state transition.
func (s *Service) OnChange(fn func(loggedIn bool)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Load restores credentials from the store. Expired tokens are discarded.
func (s *Service) Load(ctx context.Context) error {
	creds, err := s.store.GetCredentials(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if creds != nil && creds.Expired(s.now()) {
		s.logger.Info("stored token expired, discarding", "expired_at", creds.ExpiresAt)
		if err := s.store.DeleteCredentials(ctx); err != nil {
			s.logger.Warn("failed to delete expired credentials", "error", err)
		}
		creds = nil
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()

	if creds != nil {
		s.logger.Info("restored login", "has_user", creds.User != nil, "expires_at", creds.ExpiresAt)
	}
	return nil
}

// Set stores a token obtained from the login page. User may be nil.
func (s *Service) Set(ctx context.Context, token string, user *domain.User) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("set credentials: token is required")
	}

	creds := &domain.Credentials{
		AccessToken: token,
		User:        user,
		ExpiresAt:   TokenExpiry(token),
		UpdatedAt:   s.now(),
	}
	if err := s.store.SaveCredentials(ctx, creds); err != nil {
		return err
	}

	s.mu.Lock()
	if creds.User == nil && s.creds != nil {
		creds.User = s.creds.User
	}
	s.creds = creds
	s.mu.Unlock()

	s.notify(true)
	return nil
}

// Refresh exchanges the current token through r and stores the result.
func (s *Service) Refresh(ctx context.Context, r Refresher) error {
	if !s.LoggedIn() {
		return ErrNotLoggedIn
	}
	token, user, err := r.RefreshToken(ctx)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	return s.Set(ctx, token, user)
}

// Clear forgets the credentials. It is safe to call repeatedly.
func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	had := s.creds != nil
	s.creds = nil
	s.mu.Unlock()

	if err := s.store.DeleteCredentials(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	if had {
		s.notify(false)
	}
	return nil
}

// Token returns the bearer token or "".
func (s *Service) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.creds.Valid(s.now()) {
		return ""
	}
	return s.creds.AccessToken
}

// LoggedIn reports whether a non-expired token is held.
func (s *Service) LoggedIn() bool {
	return s.Token() != ""
}

// Current returns a copy of the held credentials, or nil.
func (s *Service) Current() *domain.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return nil
	}
	cp := *s.creds
	return &cp
}

// SetUser updates the cached user without touching the token.
func (s *Service) SetUser(ctx context.Context, user *domain.User) error {
	s.mu.RLock()
	creds := s.creds
	s.mu.RUnlock()
	if creds == nil {
		return ErrNotLoggedIn
	}
	updated := *creds
	updated.User = user
	if err := s.store.SaveCredentials(ctx, &updated); err != nil {
		return err
	}
	s.mu.Lock()
	s.creds = &updated
	s.mu.Unlock()
	return nil
}

func (s *Service) notify(loggedIn bool) {
	s.mu.RLock()
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(loggedIn)
	}
}

// TokenExpiry reads the exp claim without verifying the signature. The
// backend verifies tokens; the companion only uses exp to skip stale logins.
// Opaque tokens have no expiry.
func TokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
