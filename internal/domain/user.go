// Package domain contains core domain types for the Expertline companion.
package domain

import (
	"time"
)

// User is the authenticated account as reported by the backend.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Plan      string `json:"plan,omitempty"`
	IsTrial   bool   `json:"is_trial,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Credentials is the persisted login state: bearer token plus cached user.
type Credentials struct {
	AccessToken string    `json:"access_token"`
	User        *User     `json:"user,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Expired reports whether the token has a known expiry in the past.
func (c *Credentials) Expired(now time.Time) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// Valid returns true if the credentials carry a token that has not expired.
func (c *Credentials) Valid(now time.Time) bool {
	return c != nil && c.AccessToken != "" && !c.Expired(now)
}
