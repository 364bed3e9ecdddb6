package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareAssignsClientAndTab(t *testing.T) {
	t.Parallel()

	var gotClient, gotTab string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotClient = ClientIDFromContext(r.Context())
		gotTab = TabIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	req.Header.Set(TabHeaderName, "tab-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !strings.HasPrefix(gotClient, "cl_") || !isValidClientID(gotClient) {
		t.Fatalf("expected generated client id, got %q", gotClient)
	}
	if gotTab != "tab-7" {
		t.Fatalf("expected tab-7, got %q", gotTab)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != gotClient {
		t.Fatalf("expected client cookie to be set, got %+v", cookies)
	}

	// The cookie is reused on the next request; tab falls back to the query.
	req2 := httptest.NewRequest(http.MethodGet, "/ws/speech?tab=tab-8", nil)
	req2.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req2)
	if gotTab != "tab-8" {
		t.Fatalf("expected tab from query, got %q", gotTab)
	}
}

func TestSanitizeTabID(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"", DefaultTabID},
		{"  ", DefaultTabID},
		{"ok_tab-1", "ok_tab-1"},
		{"bad tab", DefaultTabID},
		{"../../etc", DefaultTabID},
		{strings.Repeat("a", 129), DefaultTabID},
	}
	for _, tc := range cases {
		if got := sanitizeTabID(tc.in); got != tc.want {
			t.Errorf("sanitizeTabID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWorkspaceKeyDefaults(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := WorkspaceKey(req.Context()); got != ":"+DefaultTabID {
		t.Fatalf("unexpected key %q", got)
	}
	if got := WorkspaceKey(WithTab(req.Context(), "cl_x", "t1")); got != "cl_x:t1" {
		t.Fatalf("unexpected key %q", got)
	}
}
