// Package identity scopes requests to a browser client and a UI tab.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ClientCookieName = "expertline_client"
	TabHeaderName    = "X-Expertline-Tab"
	TabQueryParam    = "tab"
	DefaultTabID     = "default"
	clientCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	clientIDKey contextKey = iota
	tabIDKey
)

var tabIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ClientIDFromContext extracts the browser client ID from the request context.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}

// TabIDFromContext extracts the tab ID from the request context.
func TabIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tabIDKey).(string); ok {
		return v
	}
	return DefaultTabID
}

// WorkspaceKey is the registry key for the request's tab.
func WorkspaceKey(ctx context.Context) string {
	return ClientIDFromContext(ctx) + ":" + TabIDFromContext(ctx)
}

// WithTab returns ctx scoped to clientID and tabID. Used by tests and by
// transports that learn the tab outside the middleware.
func WithTab(ctx context.Context, clientID, tabID string) context.Context {
	ctx = context.WithValue(ctx, clientIDKey, clientID)
	return context.WithValue(ctx, tabIDKey, sanitizeTabID(tabID))
}

func isValidClientID(id string) bool {
	id, ok := strings.CutPrefix(id, "cl_")
	if !ok {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func sanitizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !tabIDPattern.MatchString(id) {
		return DefaultTabID
	}
	return id
}

func setClientCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(clientCookieAge.Seconds()),
		Expires:  time.Now().Add(clientCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateClientID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	if c, err := r.Cookie(ClientCookieName); err == nil && isValidClientID(c.Value) {
		setClientCookie(w, c.Value, isDev)
		return c.Value
	}
	id := "cl_" + uuid.NewString()
	setClientCookie(w, id, isDev)
	return id
}

func tabIDFromRequest(r *http.Request) string {
	tab := r.Header.Get(TabHeaderName)
	if tab == "" {
		tab = r.URL.Query().Get(TabQueryParam)
	}
	return sanitizeTabID(tab)
}

// Middleware injects the client ID cookie and the per-request tab ID.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := getOrCreateClientID(w, r, isDev)
			ctx := WithTab(r.Context(), clientID, tabIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
