package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/expertline/internal/domain"
)

type fakeBackend struct {
	mu       sync.Mutex
	status   domain.UsageLimitStatus
	events   []domain.UsageEvent
	refresh  int
	trackErr error
	limitErr error
}

func (f *fakeBackend) UsageLimits(context.Context) (*domain.UsageLimitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh++
	if f.limitErr != nil {
		return nil, f.limitErr
	}
	cp := f.status
	return &cp, nil
}

func (f *fakeBackend) TrackUsage(_ context.Context, ev domain.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackErr != nil {
		return f.trackErr
	}
	f.events = append(f.events, ev)
	if ev.Type == domain.UsageCallMinutes {
		f.status.MinutesUsed += ev.Quantity
		f.status.MinutesRemaining = f.status.MinuteLimit - f.status.MinutesUsed
	}
	return nil
}

func (f *fakeBackend) minuteDeltas() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, ev := range f.events {
		if ev.Type == domain.UsageCallMinutes {
			out = append(out, ev.Quantity)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(elapsed time.Duration) {
	c.mu.Lock()
	c.now = time.Unix(1_700_000_000, 0).Add(elapsed)
	c.mu.Unlock()
}

func newTestMeter(backend *fakeBackend) (*Meter, *fakeClock) {
	clock := &fakeClock{}
	clock.Set(0)
	m := NewMeter(backend, nil)
	m.now = clock.Now
	return m, clock
}

func TestPredicatesAllowBeforeFirstRefresh(t *testing.T) {
	t.Parallel()

	m, _ := newTestMeter(&fakeBackend{})
	if !m.CanSendMessage() || !m.CanMakeCall(0) {
		t.Fatal("expected predicates to allow before any status is known")
	}
}

func TestMessageLimitReachedBlocks(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{status: domain.UsageLimitStatus{MessageLimit: 10, MessagesUsed: 10, MessagesRemaining: 0}}
	m, _ := newTestMeter(backend)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if m.CanSendMessage() {
		t.Fatal("expected message limit to block sending")
	}

	backend.status.IsUnlimited = true
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !m.CanSendMessage() {
		t.Fatal("unlimited plan must always allow")
	}
}

func TestCanMakeCallBoundary(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{status: domain.UsageLimitStatus{MinuteLimit: 10, MinutesUsed: 7, MinutesRemaining: 3}}
	m, _ := newTestMeter(backend)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !m.CanMakeCall(2) {
		t.Error("3 remaining should allow a 2 minute request")
	}
	if m.CanMakeCall(3) {
		t.Error("3 remaining should not allow a 3 minute request")
	}
}

func TestTrackFailsOpenAndAlwaysRefreshes(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{trackErr: errors.New("boom")}
	m, _ := newTestMeter(backend)

	m.Track(context.Background(), domain.UsageEvent{Type: domain.UsageMessage, Quantity: 1})
	if backend.refresh != 1 {
		t.Fatalf("expected refresh after failed track, got %d", backend.refresh)
	}
	if m.Status() == nil {
		t.Fatal("expected status after refresh")
	}
}

func TestMinutesFor(t *testing.T) {
	t.Parallel()

	cases := map[time.Duration]int{
		0:                 0,
		time.Second:       1,
		60 * time.Second:  1,
		61 * time.Second:  2,
		95 * time.Second:  2,
		120 * time.Second: 2,
	}
	for in, want := range cases {
		if got := MinutesFor(in); got != want {
			t.Errorf("MinutesFor(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestNinetyFiveSecondCallTracksTwoSingleMinutes(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{status: domain.UsageLimitStatus{IsUnlimited: true}}
	m, clock := newTestMeter(backend)
	tracker := m.newCallTracker(CallOptions{ConversationID: "c1"})
	ctx := context.Background()

	for _, at := range []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second} {
		clock.Set(at)
		if tracker.Tick(ctx) {
			t.Fatalf("tick at %v ended the loop", at)
		}
	}
	clock.Set(95 * time.Second)
	final := tracker.Stop(ctx)

	deltas := backend.minuteDeltas()
	if len(deltas) != 2 || deltas[0] != 1 || deltas[1] != 1 {
		t.Fatalf("expected deltas [1 1], got %v", deltas)
	}
	if final.MinutesUsed != 2 {
		t.Fatalf("expected 2 minutes in final counter, got %d", final.MinutesUsed)
	}
	if again := tracker.Stop(ctx); again.MinutesUsed != 0 {
		t.Fatalf("second Stop must be a no-op, got %+v", again)
	}
	if len(backend.minuteDeltas()) != 2 {
		t.Fatal("second Stop must not track again")
	}
}

func TestDeltasSumToCeilOfFinalElapsed(t *testing.T) {
	t.Parallel()

	schedules := [][]time.Duration{
		{10 * time.Second, 200 * time.Second, 201 * time.Second},
		{59 * time.Second, 61 * time.Second, 119 * time.Second, 121 * time.Second},
		{},
		{5 * time.Minute},
	}
	finals := []time.Duration{250 * time.Second, 180 * time.Second, 1 * time.Second, 5*time.Minute + time.Second}

	for i, schedule := range schedules {
		backend := &fakeBackend{status: domain.UsageLimitStatus{IsUnlimited: true}}
		m, clock := newTestMeter(backend)
		tracker := m.newCallTracker(CallOptions{})
		for _, at := range schedule {
			clock.Set(at)
			tracker.Tick(context.Background())
		}
		clock.Set(finals[i])
		tracker.Stop(context.Background())

		sum := 0
		for _, d := range backend.minuteDeltas() {
			if d <= 0 {
				t.Fatalf("schedule %d: non-positive delta %d", i, d)
			}
			sum += d
		}
		if want := MinutesFor(finals[i]); sum != want {
			t.Fatalf("schedule %d: deltas sum to %d, want %d", i, sum, want)
		}
	}
}

func TestLimitCallbackFiresOnce(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{status: domain.UsageLimitStatus{MinuteLimit: 2, MinutesRemaining: 2}}
	m, clock := newTestMeter(backend)

	fired := 0
	var tracker *CallTracker
	tracker = m.newCallTracker(CallOptions{OnLimit: func() {
		fired++
		tracker.Stop(context.Background())
	}})
	ctx := context.Background()

	clock.Set(30 * time.Second)
	if tracker.Tick(ctx) {
		t.Fatal("1 of 2 minutes used should not end the call")
	}
	clock.Set(90 * time.Second)
	if !tracker.Tick(ctx) {
		t.Fatal("expected loop to end once minutes are exhausted")
	}
	clock.Set(150 * time.Second)
	if !tracker.Tick(ctx) {
		t.Fatal("ticks after stop must report done")
	}
	if fired != 1 {
		t.Fatalf("expected limit callback exactly once, got %d", fired)
	}
	if got := backend.minuteDeltas(); len(got) != 2 {
		t.Fatalf("expected no tracking after limit, got %v", got)
	}
}

func TestStartCallStopsPoller(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{status: domain.UsageLimitStatus{IsUnlimited: true}}
	m, _ := newTestMeter(backend)
	tracker := m.StartCall(context.Background(), CallOptions{Interval: time.Hour})
	tracker.Stop(context.Background())

	select {
	case <-tracker.handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller still running after Stop")
	}
}
