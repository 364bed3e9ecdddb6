package api

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/expertline/internal/call"
	"github.com/ashureev/expertline/internal/config"
	"github.com/ashureev/expertline/internal/conversation"
	"github.com/ashureev/expertline/internal/dashboard"
	"github.com/ashureev/expertline/internal/domain"
	"github.com/ashureev/expertline/internal/events"
	"github.com/ashureev/expertline/internal/poll"
	"github.com/ashureev/expertline/internal/pvc"
	"github.com/ashureev/expertline/internal/speech"
	"github.com/ashureev/expertline/internal/usage"
)

const sweepInterval = time.Minute

// Publisher delivers events to the UI of one workspace.
type Publisher interface {
	Publish(key, eventType string, data any)
	Forget(key string)
}

// Workspace holds the controllers of one UI tab.
type Workspace struct {
	Key          string
	Conversation *conversation.Controller
	Voice        *conversation.Controller
	Call         *call.Controller
	Speech       *speech.Adapter
	Wizard       *pvc.Wizard
	Dashboard    *dashboard.Watcher

	chat     *rate.Limiter
	lastSeen time.Time
}

// busy reports whether the tab has live work the sweeper must not cut.
func (w *Workspace) busy() bool {
	return w.Call.State().Active || w.Speech.State().Listening
}

func (w *Workspace) close(ctx context.Context) {
	w.Call.End(ctx)
	w.Conversation.End(ctx)
	if err := w.Speech.Stop(ctx); err != nil {
		slog.Debug("failed to stop speech on teardown", "workspace", w.Key, "error", err)
	}
	w.Wizard.Cancel(ctx)
	w.Wizard.Close()
	w.Dashboard.Stop()
}

// WorkspaceDeps are the shared services every workspace is built from.
type WorkspaceDeps struct {
	Backend Backend
	Meter   *usage.Meter
	Last    conversation.LastConversations
	Events  Publisher
	Devices *speech.SocketManager
	Archive pvc.Archiver
	Config  *config.Config
	Logger  *slog.Logger
}

// Registry creates workspaces on first use and tears down idle ones.
type Registry struct {
	deps WorkspaceDeps
	now  func() time.Time

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

// NewRegistry creates an empty registry.
func NewRegistry(deps WorkspaceDeps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{deps: deps, now: time.Now, workspaces: make(map[string]*Workspace)}
}

// Get returns the workspace for key, creating it if needed, and marks it used.
func (r *Registry) Get(key string) *Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[key]
	if !ok {
		ws = r.build(key)
		r.workspaces[key] = ws
		r.deps.Logger.Info("workspace created", "workspace", key)
	}
	ws.lastSeen = r.now()
	return ws
}

// SpeechAdapter returns the speech adapter of key.
func (r *Registry) SpeechAdapter(key string) *speech.Adapter {
	return r.Get(key).Speech
}

// Len returns the number of live workspaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}

func (r *Registry) build(key string) *Workspace {
	cfg := r.deps.Config
	logger := r.deps.Logger.With("workspace", key)
	pub := r.deps.Events

	ws := &Workspace{
		Key:  key,
		chat: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimit.ChatPerMinute)), cfg.RateLimit.ChatPerMinute),
	}

	ws.Conversation = conversation.New(conversation.Config{
		Backend:  r.deps.Backend,
		Usage:    r.deps.Meter,
		Last:     r.deps.Last,
		Mode:     domain.ModeText,
		Logger:   logger,
		OnChange: func(s conversation.Snapshot) { pub.Publish(key, events.TypeSession, s) },
		OnSend:   func() { ws.Speech.MessageSent() },
	})
	ws.Voice = conversation.New(conversation.Config{
		Backend:  r.deps.Backend,
		Usage:    r.deps.Meter,
		Mode:     domain.ModeVoice,
		Logger:   logger,
		OnChange: func(s conversation.Snapshot) { pub.Publish(key, events.TypeTranscript, s) },
	})
	ws.Call = call.New(call.Config{
		Session:       ws.Voice,
		Meter:         r.deps.Meter,
		TrackInterval: cfg.Usage.TrackInterval,
		TickInterval:  cfg.Usage.CallTickInterval,
		Logger:        logger,
		OnChange:      func(s call.State) { pub.Publish(key, events.TypeCall, s) },
		OnLimit: func(s call.State) {
			pub.Publish(key, events.TypeLimitReached, limitEvent{Kind: "minutes", Call: &s})
		},
	})
	device := r.deps.Devices.Input(key)
	ws.Speech = speech.NewAdapter(speech.Config{
		Recognizer: r.deps.Devices.Recognizer(key),
		Input: speech.InputFunc(func(text string) {
			device.SetText(text)
			pub.Publish(key, events.TypeSpeech, map[string]string{"text": text})
		}),
		Lang:         cfg.Speech.Lang,
		IgnoreWindow: cfg.Speech.IgnoreWindow,
		Logger:       logger,
		OnState:      func(s speech.State) { pub.Publish(key, events.TypeSpeech, s) },
	})
	ws.Wizard = pvc.New(pvc.Config{
		Backend:        r.deps.Backend,
		Archive:        r.deps.Archive,
		MinSamples:     cfg.PVC.MinSamples,
		MaxSampleBytes: cfg.PVC.MaxSampleBytes,
		TrainingPoll:   cfg.Poll.Training,
		Logger:         logger,
		OnChange:       func(s domain.WizardState) { pub.Publish(key, events.TypeWizard, s) },
		OnSuccess: func(voiceID string) {
			pub.Publish(key, events.TypeWizard, map[string]string{"status": "completed", "voice_id": voiceID})
		},
	})
	ws.Dashboard = dashboard.NewWatcher(dashboard.Config{
		Source:   r.deps.Backend,
		Interval: cfg.Poll.Progress,
		Logger:   logger,
		OnUpdate: func(p map[string]domain.ExpertProgress) { pub.Publish(key, events.TypeProgress, p) },
	})
	return ws
}

func (r *Registry) publish(key, eventType string, data any) {
	r.deps.Events.Publish(key, eventType, data)
}

// Close tears down the workspace of key.
func (r *Registry) Close(ctx context.Context, key string) {
	r.mu.Lock()
	ws, ok := r.workspaces[key]
	delete(r.workspaces, key)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.teardown(ctx, ws)
}

// CloseAll tears down every workspace, e.g. on logout or shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	all := r.workspaces
	r.workspaces = make(map[string]*Workspace)
	r.mu.Unlock()
	for _, ws := range all {
		r.teardown(ctx, ws)
	}
}

func (r *Registry) teardown(ctx context.Context, ws *Workspace) {
	ws.close(ctx)
	r.deps.Devices.Close(ws.Key)
	r.deps.Events.Forget(ws.Key)
	r.deps.Logger.Info("workspace closed", "workspace", ws.Key)
}

// Sweep tears down workspaces idle for longer than ttl and returns how many
// were closed. Tabs with an active call or microphone are kept.
func (r *Registry) Sweep(ctx context.Context, ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	var expired []*Workspace
	for key, ws := range r.workspaces {
		if ws.lastSeen.Before(cutoff) && !ws.busy() {
			expired = append(expired, ws)
			delete(r.workspaces, key)
		}
	}
	r.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Key < expired[j].Key })
	r.deps.Logger.Info("workspace sweeper found idle tabs", "count", len(expired))
	for _, ws := range expired {
		r.teardown(ctx, ws)
	}
	return len(expired)
}

// StartSweeper runs Sweep every minute until ctx ends.
func (r *Registry) StartSweeper(ctx context.Context, ttl time.Duration) *poll.Handle {
	r.deps.Logger.Info("workspace sweeper started", "interval", sweepInterval, "ttl", ttl)
	return poll.Start(ctx, "workspace-sweeper", sweepInterval, func(ctx context.Context) bool {
		r.Sweep(ctx, ttl)
		return false
	}, poll.Options{Logger: r.deps.Logger})
}

type limitEvent struct {
	Kind string      `json:"kind"`
	Call *call.State `json:"call,omitempty"`
}
