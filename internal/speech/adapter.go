// Package speech bridges a continuous speech recognizer to a text input.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultIgnoreWindow is how long results are dropped after a message send.
const DefaultIgnoreWindow = 500 * time.Millisecond

// ErrNoDevice means no device is connected to run recognition.
var ErrNoDevice = errors.New("no speech device connected")

// Options are passed to the recognizer on every (re)start.
type Options struct {
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interim_results"`
	Lang           string `json:"lang"`
}

// Recognizer is a speech recognition engine. Its events are delivered back
// through HandleResult, HandleEnd and HandleError.
type Recognizer interface {
	Start(ctx context.Context, opts Options) error
	Stop(ctx context.Context) error
}

// Segment is one recognition result.
type Segment struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Input receives the live transcription text.
type Input interface {
	SetText(text string)
}

// InputFunc adapts a function to Input.
type InputFunc func(text string)

// SetText calls f(text).
func (f InputFunc) SetText(text string) { f(text) }

// State is the observable adapter state.
type State struct {
	Listening bool   `json:"listening"`
	Text      string `json:"text"`
	Error     string `json:"error,omitempty"`
	Restarts  int    `json:"restarts"`
}

// Config wires an Adapter.
type Config struct {
	Recognizer   Recognizer
	Input        Input
	Lang         string
	IgnoreWindow time.Duration
	Logger       *slog.Logger
	OnState      func(State)
}

// Adapter keeps recognition running until explicitly stopped.
type Adapter struct {
	rec     Recognizer
	input   Input
	opts    Options
	window  time.Duration
	logger  *slog.Logger
	onState func(State)
	now     func() time.Time

	mu          sync.Mutex
	listening   bool
	carried     string
	finals      string
	text        string
	ignoreUntil time.Time
	lastErr     string
	restarts    int
}

// NewAdapter creates a stopped adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.IgnoreWindow <= 0 {
		cfg.IgnoreWindow = DefaultIgnoreWindow
	}
	if cfg.Lang == "" {
		cfg.Lang = "en-US"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		rec:     cfg.Recognizer,
		input:   cfg.Input,
		opts:    Options{Continuous: true, InterimResults: true, Lang: cfg.Lang},
		window:  cfg.IgnoreWindow,
		logger:  cfg.Logger,
		onState: cfg.OnState,
		now:     time.Now,
	}
}

// Start begins continuous interim-results recognition.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.listening {
		a.mu.Unlock()
		return nil
	}
	a.listening = true
	a.carried, a.finals, a.text, a.lastErr = "", "", "", ""
	a.restarts = 0
	a.mu.Unlock()

	if err := a.rec.Start(ctx, a.opts); err != nil {
		a.HandleError(err)
		return err
	}
	a.logger.Debug("speech recognition started", "lang", a.opts.Lang)
	a.publish()
	return nil
}

// Stop ends recognition at the user's request. A later end event will not
// restart it.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	was := a.listening
	a.listening = false
	a.mu.Unlock()
	if !was {
		return nil
	}
	a.publish()
	return a.rec.Stop(ctx)
}

// HandleResult writes all finalized segments plus the interim one to the input.
func (a *Adapter) HandleResult(segments []Segment) {
	a.mu.Lock()
	if !a.listening || a.now().Before(a.ignoreUntil) {
		a.mu.Unlock()
		return
	}
	var finals, interim []string
	for _, s := range segments {
		if s.IsFinal {
			finals = append(finals, s.Text)
		} else {
			interim = append(interim, s.Text)
		}
	}
	a.finals = joinText(finals...)
	a.text = joinText(a.carried, a.finals, joinText(interim...))
	text := a.text
	a.mu.Unlock()

	a.input.SetText(text)
}

// HandleEnd is called when the recognizer stops on its own. It restarts
// immediately unless the user stopped listening, and reports whether it did.
func (a *Adapter) HandleEnd(ctx context.Context) bool {
	a.mu.Lock()
	if !a.listening {
		a.mu.Unlock()
		return false
	}
	a.carried = joinText(a.carried, a.finals)
	a.finals = ""
	a.restarts++
	restarts := a.restarts
	a.mu.Unlock()

	a.logger.Debug("speech recognition ended, restarting", "restarts", restarts)
	if err := a.rec.Start(ctx, a.opts); err != nil {
		a.HandleError(err)
		return false
	}
	return true
}

// HandleError stops listening and resets state. There is no retry.
func (a *Adapter) HandleError(err error) {
	msg := DescribeDeviceError(err)
	a.mu.Lock()
	a.listening = false
	a.carried, a.finals, a.text = "", "", ""
	a.lastErr = msg
	a.mu.Unlock()

	a.logger.Warn("speech recognition error", "error", err, "message", msg)
	a.publish()
}

// MessageSent clears accumulated text and drops results that race with the send.
func (a *Adapter) MessageSent() {
	a.mu.Lock()
	a.ignoreUntil = a.now().Add(a.window)
	a.carried, a.finals, a.text = "", "", ""
	a.mu.Unlock()
	a.input.SetText("")
}

// Ignoring reports whether results are being dropped after a send.
func (a *Adapter) Ignoring() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now().Before(a.ignoreUntil)
}

// State returns the current adapter state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{Listening: a.listening, Text: a.text, Error: a.lastErr, Restarts: a.restarts}
}

func (a *Adapter) publish() {
	if a.onState != nil {
		a.onState(a.State())
	}
}

func joinText(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}
