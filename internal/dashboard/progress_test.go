package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/expertline/internal/domain"
)

type fakeSource struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	// doneAfter marks an expert completed from its nth fetch on.
	doneAfter int
}

func (f *fakeSource) ExpertProgress(_ context.Context, id string) (*domain.ExpertProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[id]++
	if f.fail[id] {
		return nil, errors.New("boom")
	}
	p := &domain.ExpertProgress{ExpertID: id, Status: "processing", Percent: 50}
	if f.doneAfter > 0 && f.calls[id] >= f.doneAfter {
		p.Status, p.Percent = "completed", 100
	}
	return p, nil
}

func (f *fakeSource) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func TestFetchMergesByExpertAndSkipsFailures(t *testing.T) {
	t.Parallel()

	src := &fakeSource{fail: map[string]bool{"bad": true}}
	w := NewWatcher(Config{Source: src})

	got := w.Fetch(context.Background(), []string{"a", "b", "bad"})
	if len(got) != 2 {
		t.Fatalf("expected two results, got %+v", got)
	}
	if got["a"].ExpertID != "a" || got["b"].Percent != 50 {
		t.Fatalf("unexpected progress %+v", got)
	}
}

func TestWatchStopsWhenAllDone(t *testing.T) {
	t.Parallel()

	src := &fakeSource{doneAfter: 2}
	updates := make(chan map[string]domain.ExpertProgress, 16)
	w := NewWatcher(Config{
		Source:   src,
		Interval: 5 * time.Millisecond,
		OnUpdate: func(m map[string]domain.ExpertProgress) { updates <- m },
	})

	w.Watch(context.Background(), []string{"b", "a", "a", ""})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-updates:
			if m["a"].Done() && m["b"].Done() {
				time.Sleep(30 * time.Millisecond)
				if n := src.count("a"); n != 2 {
					t.Fatalf("expected polling to stop after completion, got %d fetches", n)
				}
				w.Stop()
				return
			}
		case <-deadline:
			t.Fatal("progress never completed")
		}
	}
}

func TestWatchEmptySetStops(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	w := NewWatcher(Config{Source: src, Interval: 5 * time.Millisecond})
	w.Watch(context.Background(), []string{"a"})
	w.Watch(context.Background(), nil)
	w.Stop()

	n := src.count("a")
	time.Sleep(20 * time.Millisecond)
	if src.count("a") != n {
		t.Fatal("poller kept running after an empty watch")
	}
	if len(w.Progress()) != 0 {
		t.Fatal("expected progress reset")
	}
}
