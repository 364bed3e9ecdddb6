package usage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ashureev/expertline/internal/domain"
	"github.com/ashureev/expertline/internal/poll"
)

// DefaultTrackInterval is how often call minutes are reconciled.
const DefaultTrackInterval = 30 * time.Second

// CallOptions configures a CallTracker.
type CallOptions struct {
	ExpertID       string
	ConversationID string
	Interval       time.Duration
	// OnLimit runs at most once, when the refreshed status shows no minutes left.
	OnLimit func()
}

// CallTracker meters one voice call in whole started minutes.
type CallTracker struct {
	meter *Meter
	opts  CallOptions
	now   func() time.Time
	start time.Time

	mu      sync.Mutex
	counter domain.UsageCounter
	stopped bool
	handle  *poll.Handle

	limitOnce sync.Once
}

// StartCall begins metering a call and ticks every opts.Interval until Stop.
func (m *Meter) StartCall(ctx context.Context, opts CallOptions) *CallTracker {
	t := m.newCallTracker(opts)
	t.mu.Lock()
	t.handle = poll.Start(context.WithoutCancel(ctx), "call-usage", opts.Interval, t.Tick, poll.Options{Logger: m.logger})
	t.mu.Unlock()
	m.logger.Info("call metering started", "expert_id", opts.ExpertID, "conversation_id", opts.ConversationID)
	return t
}

func (m *Meter) newCallTracker(opts CallOptions) *CallTracker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultTrackInterval
	}
	return &CallTracker{meter: m, opts: opts, now: m.now, start: m.now()}
}

// MinutesFor converts elapsed call time to started minutes.
func MinutesFor(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	return int(math.Ceil(elapsed.Seconds() / 60))
}

// Elapsed returns the call duration so far.
func (t *CallTracker) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// Counter returns the metering state.
func (t *CallTracker) Counter() domain.UsageCounter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counter
}

// claim reserves the untracked minutes up to now. A minute is claimed once,
// so concurrent Tick and Stop never report it twice.
func (t *CallTracker) claim(final bool) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return 0, false
	}
	if final {
		t.stopped = true
	}
	current := MinutesFor(t.Elapsed())
	delta := current - t.counter.LastTrackedMinute
	if delta <= 0 {
		return 0, true
	}
	t.counter.LastTrackedMinute = current
	t.counter.MinutesUsed += delta
	return delta, true
}

// Tick reconciles tracked minutes with elapsed time. It reports true once
// the loop should end.
func (t *CallTracker) Tick(ctx context.Context) bool {
	delta, ok := t.claim(false)
	if !ok {
		return true
	}
	if delta == 0 {
		return false
	}

	t.meter.Track(ctx, t.event(delta))

	if t.meter.Status().MinutesExhausted() {
		t.meter.logger.Info("call minute limit reached",
			"conversation_id", t.opts.ConversationID,
			"minutes_used", t.Counter().MinutesUsed)
		t.fireLimit()
		return true
	}
	return false
}

// Stop ends the loop and reports any final untracked minutes. It returns the
// final counter; later calls return a zero counter.
func (t *CallTracker) Stop(ctx context.Context) domain.UsageCounter {
	delta, ok := t.claim(true)
	if !ok {
		return domain.UsageCounter{}
	}

	t.mu.Lock()
	handle := t.handle
	final := t.counter
	t.counter = domain.UsageCounter{}
	t.mu.Unlock()
	handle.Stop()

	if delta > 0 {
		t.meter.Track(ctx, t.event(delta))
	}
	t.meter.logger.Info("call metering stopped",
		"conversation_id", t.opts.ConversationID,
		"minutes", final.MinutesUsed)
	return final
}

func (t *CallTracker) fireLimit() {
	t.limitOnce.Do(func() {
		if t.opts.OnLimit != nil {
			t.opts.OnLimit()
		}
	})
}

func (t *CallTracker) event(delta int) domain.UsageEvent {
	return domain.UsageEvent{
		Type:           domain.UsageCallMinutes,
		Quantity:       delta,
		ExpertID:       t.opts.ExpertID,
		ConversationID: t.opts.ConversationID,
	}
}
