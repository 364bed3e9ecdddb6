// Package call runs a voice call: a voice-mode conversation, per-minute usage
// metering and a one second duration ticker.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/expertline/internal/domain"
	"github.com/ashureev/expertline/internal/poll"
	"github.com/ashureev/expertline/internal/usage"
)

var (
	ErrMinuteLimitReached = errors.New("call minute limit reached")
	ErrCallActive         = errors.New("a call is already in progress")
	ErrCallEnded          = errors.New("call was ended while it was starting")
)

// Session is the voice conversation behind a call.
type Session interface {
	Start(ctx context.Context, expertID string) (*domain.Session, error)
	End(ctx context.Context)
	Session() domain.Session
}

// Meter gates and meters call minutes.
type Meter interface {
	Refresh(ctx context.Context) (*domain.UsageLimitStatus, error)
	CanMakeCall(minutes int) bool
	StartCall(ctx context.Context, opts usage.CallOptions) *usage.CallTracker
}

// State is the observable call state.
type State struct {
	Active         bool   `json:"active"`
	ExpertID       string `json:"expert_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	MinutesUsed    int    `json:"minutes_used"`
	LimitReached   bool   `json:"limit_reached"`
}

// Config wires a Controller.
type Config struct {
	Session       Session
	Meter         Meter
	TrackInterval time.Duration
	TickInterval  time.Duration
	Logger        *slog.Logger
	// OnChange receives the state on start, every tick and on end.
	OnChange func(State)
	// OnLimit runs once per call when the plan runs out of minutes.
	OnLimit func(State)
}

// Controller owns at most one call at a time.
type Controller struct {
	session       Session
	meter         Meter
	trackInterval time.Duration
	tickInterval  time.Duration
	logger        *slog.Logger
	onChange      func(State)
	onLimit       func(State)

	mu       sync.Mutex
	gen      uint64
	starting bool
	// endPending records an End that arrived while starting.
	endPending bool
	state    State
	tracker  *usage.CallTracker
	ticker   *poll.Handle
}

// New creates an idle controller.
func New(cfg Config) *Controller {
	if cfg.TrackInterval <= 0 {
		cfg.TrackInterval = usage.DefaultTrackInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		session:       cfg.Session,
		meter:         cfg.Meter,
		trackInterval: cfg.TrackInterval,
		tickInterval:  cfg.TickInterval,
		logger:        cfg.Logger,
		onChange:      cfg.OnChange,
		onLimit:       cfg.OnLimit,
	}
}

// Start opens a voice call with expertID once the plan has minutes left.
func (c *Controller) Start(ctx context.Context, expertID string) (State, error) {
	c.mu.Lock()
	if c.state.Active || c.starting {
		c.mu.Unlock()
		return State{}, ErrCallActive
	}
	c.starting = true
	c.endPending = false
	c.mu.Unlock()

	state, err := c.start(ctx, expertID)

	c.mu.Lock()
	c.starting = false
	c.endPending = false
	c.mu.Unlock()
	if err != nil {
		return State{}, err
	}
	c.publish()
	return state, nil
}

func (c *Controller) start(ctx context.Context, expertID string) (State, error) {
	if _, err := c.meter.Refresh(ctx); err != nil {
		c.logger.Warn("failed to refresh usage before call", "expert_id", expertID, "error", err)
	}
	if !c.meter.CanMakeCall(0) {
		return State{}, ErrMinuteLimitReached
	}

	session, err := c.session.Start(ctx, expertID)
	if err != nil {
		return State{}, fmt.Errorf("start voice session: %w", err)
	}

	c.mu.Lock()
	if c.endPending {
		c.mu.Unlock()
		c.session.End(ctx)
		c.logger.Info("call ended before it started", "expert_id", expertID, "conversation_id", session.ID)
		return State{}, ErrCallEnded
	}
	defer c.mu.Unlock()
	c.gen++
	gen := c.gen
	c.state = State{Active: true, ExpertID: expertID, ConversationID: session.ID}
	c.tracker = c.meter.StartCall(ctx, usage.CallOptions{
		ExpertID:       expertID,
		ConversationID: session.ID,
		Interval:       c.trackInterval,
		OnLimit:        func() { c.limitReached(gen) },
	})
	c.ticker = poll.Start(context.WithoutCancel(ctx), "call-duration", c.tickInterval, func(context.Context) bool {
		c.publish()
		return false
	}, poll.Options{Logger: c.logger})

	c.logger.Info("call started", "expert_id", expertID, "conversation_id", session.ID)
	return c.state, nil
}

// limitReached ends call gen unless a newer call replaced it.
func (c *Controller) limitReached(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || !c.state.Active {
		c.mu.Unlock()
		return
	}
	c.state.LimitReached = true
	c.mu.Unlock()

	c.logger.Info("ending call, minute limit reached", "conversation_id", c.State().ConversationID)
	c.End(context.Background())
	if c.onLimit != nil {
		c.onLimit(c.State())
	}
}

// End stops metering and the ticker and closes the session. It is safe to
// call more than once. An End during Start makes that Start close the session
// and fail with ErrCallEnded.
func (c *Controller) End(ctx context.Context) State {
	c.mu.Lock()
	if c.starting {
		c.endPending = true
	}
	if !c.state.Active {
		state := c.state
		c.mu.Unlock()
		return state
	}
	tracker, ticker := c.tracker, c.ticker
	c.tracker, c.ticker = nil, nil
	c.state.ElapsedSeconds = int(tracker.Elapsed().Seconds())
	c.state.Active = false
	c.mu.Unlock()

	ticker.Stop()
	counter := tracker.Stop(ctx)
	c.session.End(ctx)

	c.mu.Lock()
	c.state.MinutesUsed = counter.MinutesUsed
	state := c.state
	c.mu.Unlock()

	c.logger.Info("call ended",
		"conversation_id", state.ConversationID,
		"elapsed_seconds", state.ElapsedSeconds,
		"minutes", state.MinutesUsed)
	c.publish()
	return state
}

// Elapsed returns the duration of the active call, or of the last one.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracker != nil {
		return c.tracker.Elapsed()
	}
	return time.Duration(c.state.ElapsedSeconds) * time.Second
}

// State returns the current call state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.state
	if c.tracker != nil {
		state.ElapsedSeconds = int(c.tracker.Elapsed().Seconds())
		state.MinutesUsed = c.tracker.Counter().MinutesUsed
	}
	return state
}

func (c *Controller) publish() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.State())
}
