package assets

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestS3StorePutUsesPathStyleEndpoint(t *testing.T) {
	t.Parallel()

	var (
		mu          sync.Mutex
		gotMethod   string
		gotPath     string
		gotType     string
		gotBody     []byte
		gotAuthSeen bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotMethod, gotPath, gotType, gotBody = r.Method, r.URL.Path, r.Header.Get("Content-Type"), body
		gotAuthSeen = r.Header.Get("Authorization") != ""
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := NewS3Store(Config{
		Bucket:          "recordings",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKIDTEST",
		SecretAccessKey: "secret",
		Prefix:          "/pvc/",
	}, nil)
	if err != nil {
		t.Fatalf("NewS3Store failed: %v", err)
	}

	if err := store.Put(context.Background(), "/voice-1/take.webm", "audio/webm", []byte("opus")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotMethod != http.MethodPut || gotPath != "/recordings/pvc/voice-1/take.webm" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if gotType != "audio/webm" || string(gotBody) != "opus" {
		t.Fatalf("unexpected object type=%q body=%q", gotType, gotBody)
	}
	if !gotAuthSeen {
		t.Fatal("expected a signed request")
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	t.Parallel()

	if _, err := NewS3Store(Config{Region: "us-east-1"}, nil); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestNopDiscards(t *testing.T) {
	t.Parallel()

	if err := (Nop{}).Put(context.Background(), "k", "audio/wav", nil); err != nil {
		t.Fatalf("Nop.Put failed: %v", err)
	}
}
