package bapi

import (
	"context"
	"net/http"

	"github.com/ashureev/expertline/internal/domain"
)

// RefreshToken exchanges the current token for a fresh one. The user is
// nil when the backend omits it.
func (c *Client) RefreshToken(ctx context.Context) (string, *domain.User, error) {
	var out struct {
		AccessToken string       `json:"access_token"`
		User        *domain.User `json:"user,omitempty"`
	}
	if err := c.do(ctx, request{method: http.MethodPost, route: "/auth/refresh", path: "/auth/refresh", out: &out}); err != nil {
		return "", nil, err
	}
	if out.AccessToken == "" {
		return "", nil, &APIError{Status: http.StatusBadGateway, Route: "/auth/refresh", Message: "refresh returned no token"}
	}
	return out.AccessToken, out.User, nil
}

// CurrentUser returns the account that owns the bearer token.
func (c *Client) CurrentUser(ctx context.Context) (*domain.User, error) {
	var out domain.User
	if err := c.do(ctx, request{method: http.MethodGet, route: "/users/me", path: "/users/me", out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

// UsageLimits fetches the plan consumption status.
func (c *Client) UsageLimits(ctx context.Context) (*domain.UsageLimitStatus, error) {
	var out domain.UsageLimitStatus
	if err := c.do(ctx, request{method: http.MethodGet, route: "/usage/limits", path: "/usage/limits", out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

// TrackUsage reports a usage delta.
func (c *Client) TrackUsage(ctx context.Context, event domain.UsageEvent) error {
	return c.do(ctx, request{method: http.MethodPost, route: "/usage/track", path: "/usage/track", body: event})
}

// CreateSubscription starts a paid subscription for the given plan.
func (c *Client) CreateSubscription(ctx context.Context, planID string) (*domain.Subscription, error) {
	var out domain.Subscription
	err := c.do(ctx, request{
		method: http.MethodPost,
		route:  "/billing/subscriptions",
		path:   "/billing/subscriptions",
		body:   map[string]string{"plan_id": planID},
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks that the backend answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodGet, route: "/health", path: "/health"})
}
