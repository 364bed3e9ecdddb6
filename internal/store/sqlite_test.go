package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/expertline/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestCredentialsRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	got, err := repo.GetCredentials(ctx)
	if err != nil {
		t.Fatalf("GetCredentials failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no credentials, got %+v", got)
	}

	expires := time.Unix(2000000000, 0)
	if err := repo.SaveCredentials(ctx, &domain.Credentials{
		AccessToken: "tok-1",
		User:        &domain.User{ID: "u1", Email: "a@example.com"},
		ExpiresAt:   expires,
	}); err != nil {
		t.Fatalf("SaveCredentials failed: %v", err)
	}

	// A refresh without a user keeps the cached user.
	if err := repo.SaveCredentials(ctx, &domain.Credentials{AccessToken: "tok-2"}); err != nil {
		t.Fatalf("SaveCredentials (refresh) failed: %v", err)
	}

	got, err = repo.GetCredentials(ctx)
	if err != nil {
		t.Fatalf("GetCredentials failed: %v", err)
	}
	if got == nil || got.AccessToken != "tok-2" {
		t.Fatalf("expected tok-2, got %+v", got)
	}
	if got.User == nil || got.User.ID != "u1" {
		t.Fatalf("expected cached user u1, got %+v", got.User)
	}
	if !got.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry cleared by refresh without exp, got %v", got.ExpiresAt)
	}

	if err := repo.DeleteCredentials(ctx); err != nil {
		t.Fatalf("DeleteCredentials failed: %v", err)
	}
	got, err = repo.GetCredentials(ctx)
	if err != nil || got != nil {
		t.Fatalf("expected credentials removed, got %+v err=%v", got, err)
	}
}

func TestSaveCredentialsRequiresToken(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	if err := repo.SaveCredentials(context.Background(), &domain.Credentials{}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestLastConversationLastWriteWins(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	id, err := repo.GetLastConversation(ctx, "expert-1")
	if err != nil || id != "" {
		t.Fatalf("expected empty id, got %q err=%v", id, err)
	}

	for _, conv := range []string{"c1", "c2", "c3"} {
		if err := repo.SetLastConversation(ctx, "expert-1", conv); err != nil {
			t.Fatalf("SetLastConversation failed: %v", err)
		}
	}
	if err := repo.SetLastConversation(ctx, "expert-2", "x1"); err != nil {
		t.Fatalf("SetLastConversation failed: %v", err)
	}

	id, err = repo.GetLastConversation(ctx, "expert-1")
	if err != nil || id != "c3" {
		t.Fatalf("expected c3, got %q err=%v", id, err)
	}

	n, err := repo.ClearLastConversations(ctx)
	if err != nil {
		t.Fatalf("ClearLastConversations failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows cleared, got %d", n)
	}
}
