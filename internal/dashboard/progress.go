// Package dashboard polls knowledge-base indexing progress for the experts
// shown on the dashboard.
package dashboard

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/expertline/internal/domain"
	"github.com/ashureev/expertline/internal/poll"
)

// DefaultInterval is the progress polling period.
const DefaultInterval = 2 * time.Second

// maxConcurrentFetches bounds the per-expert requests in flight.
const maxConcurrentFetches = 4

// ProgressSource fetches progress for one expert.
type ProgressSource interface {
	ExpertProgress(ctx context.Context, expertID string) (*domain.ExpertProgress, error)
}

// Config wires a Watcher.
type Config struct {
	Source   ProgressSource
	Interval time.Duration
	Logger   *slog.Logger
	// OnUpdate receives the merged progress after every poll.
	OnUpdate func(map[string]domain.ExpertProgress)
}

// Watcher polls a set of experts until every one of them is done.
type Watcher struct {
	source   ProgressSource
	interval time.Duration
	logger   *slog.Logger
	onUpdate func(map[string]domain.ExpertProgress)

	mu       sync.Mutex
	handle   *poll.Handle
	progress map[string]domain.ExpertProgress
}

// NewWatcher creates an idle watcher.
func NewWatcher(cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		source:   cfg.Source,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		onUpdate: cfg.OnUpdate,
		progress: make(map[string]domain.ExpertProgress),
	}
}

// Watch replaces the watched set and polls it immediately. An empty set
// stops polling.
func (w *Watcher) Watch(ctx context.Context, expertIDs []string) {
	ids := slices.Compact(slices.Sorted(slices.Values(expertIDs)))
	ids = slices.DeleteFunc(ids, func(id string) bool { return id == "" })

	w.mu.Lock()
	prev := w.handle
	w.handle = nil
	w.mu.Unlock()
	prev.Stop()
	prev.Wait()

	w.mu.Lock()
	w.progress = make(map[string]domain.ExpertProgress, len(ids))
	if len(ids) > 0 {
		w.handle = poll.Start(context.WithoutCancel(ctx), "dashboard-progress", w.interval, func(ctx context.Context) bool {
			return w.tick(ctx, ids)
		}, poll.Options{Immediate: true, Logger: w.logger})
	}
	w.mu.Unlock()
}

func (w *Watcher) tick(ctx context.Context, ids []string) bool {
	fetched := w.Fetch(ctx, ids)

	w.mu.Lock()
	maps.Copy(w.progress, fetched)
	merged := maps.Clone(w.progress)
	w.mu.Unlock()

	if w.onUpdate != nil {
		w.onUpdate(merged)
	}

	for _, id := range ids {
		p, ok := merged[id]
		if !ok || !p.Done() {
			return false
		}
	}
	w.logger.Debug("all experts finished indexing", "experts", len(ids))
	return true
}

// Fetch gets progress for every id concurrently. Experts whose request fails
// are left out of the result.
func (w *Watcher) Fetch(ctx context.Context, expertIDs []string) map[string]domain.ExpertProgress {
	var mu sync.Mutex
	out := make(map[string]domain.ExpertProgress, len(expertIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, id := range expertIDs {
		g.Go(func() error {
			p, err := w.source.ExpertProgress(gctx, id)
			if err != nil {
				w.logger.Warn("failed to fetch expert progress", "expert_id", id, "error", err)
				return nil
			}
			mu.Lock()
			out[id] = *p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Progress returns the last merged progress.
func (w *Watcher) Progress() map[string]domain.ExpertProgress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.progress)
}

// Stop ends polling and waits for the poller to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	h := w.handle
	w.handle = nil
	w.mu.Unlock()
	h.Stop()
	h.Wait()
}
