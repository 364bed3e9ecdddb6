// Package poll runs periodic background work with an explicit stop handle.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Func is one unit of periodic work. Returning true ends the loop.
type Func func(ctx context.Context) (done bool)

// Options tune a poller.
type Options struct {
	// Immediate runs fn once before the first tick.
	Immediate bool
	Logger    *slog.Logger
}

// Handle controls a running poller.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs fn every interval until ctx is cancelled, Stop is called, or fn
// reports done. fn never runs concurrently with itself.
func Start(ctx context.Context, name string, interval time.Duration, fn Func, opts Options) *Handle {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		logger.Debug("poller started", "poller", name, "interval", interval)

		if opts.Immediate && fn(ctx) {
			logger.Debug("poller finished", "poller", name)
			return
		}
		for {
			select {
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				if fn(ctx) {
					logger.Debug("poller finished", "poller", name)
					return
				}
			case <-ctx.Done():
				logger.Debug("poller stopped", "poller", name, "reason", ctx.Err())
				return
			}
		}
	}()

	return h
}

// Stop cancels the poller without waiting. Safe to call from inside fn and
// more than once.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.cancel()
}

// Wait blocks until the poller goroutine has exited.
func (h *Handle) Wait() {
	if h == nil {
		return
	}
	<-h.done
}

// Done is closed when the poller exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Group stops a set of pollers together.
type Group struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// Replace starts a named poller, stopping any previous one with that name.
func (g *Group) Replace(ctx context.Context, name string, interval time.Duration, fn Func, opts Options) *Handle {
	h := Start(ctx, name, interval, fn, opts)
	g.mu.Lock()
	if g.handles == nil {
		g.handles = make(map[string]*Handle)
	}
	prev := g.handles[name]
	g.handles[name] = h
	g.mu.Unlock()
	prev.Stop()
	return h
}

// Stop stops the named poller if it is running.
func (g *Group) Stop(name string) {
	g.mu.Lock()
	h := g.handles[name]
	delete(g.handles, name)
	g.mu.Unlock()
	h.Stop()
}

// StopAll stops every poller and waits for them to exit.
func (g *Group) StopAll() {
	g.mu.Lock()
	handles := g.handles
	g.handles = nil
	g.mu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
	for _, h := range handles {
		h.Wait()
	}
}
