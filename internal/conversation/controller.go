// Package conversation drives the lifecycle of a chat session with an expert.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/expertline/internal/bapi"
	"github.com/ashureev/expertline/internal/domain"
)

var (
	ErrExpertRequired      = errors.New("expert id is required")
	ErrSessionBusy         = errors.New("a session is already connecting")
	ErrNotConnected        = errors.New("not connected to a conversation")
	ErrEmptyMessage        = errors.New("message is empty")
	ErrResponsePending     = errors.New("waiting for the previous response")
	ErrMessageLimitReached = errors.New("message limit reached")
	ErrNotRetryable        = errors.New("message cannot be retried")
	ErrSessionReplaced     = errors.New("session ended before the request completed")
)

// Backend is the conversation subset of the backend client.
type Backend interface {
	CreateConversation(ctx context.Context, expertID string, mode domain.SessionMode) (string, error)
	EndConversation(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID, text string) (*bapi.AgentReply, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

// UsageGate decides whether a message may be sent and records usage.
type UsageGate interface {
	CanSendMessage() bool
	Track(ctx context.Context, event domain.UsageEvent)
}

// LastConversations remembers the last conversation per expert.
type LastConversations interface {
	GetLastConversation(ctx context.Context, expertID string) (string, error)
	SetLastConversation(ctx context.Context, expertID, conversationID string) error
}

// Snapshot is the observable state of a controller.
type Snapshot struct {
	Session  domain.Session   `json:"session"`
	Messages []domain.Message `json:"messages"`
	Waiting  bool             `json:"waiting"`
}

// Config wires a Controller.
type Config struct {
	Backend Backend
	Usage   UsageGate
	Last    LastConversations
	Mode    domain.SessionMode
	Logger  *slog.Logger
	// OnChange receives a snapshot after every state or transcript change.
	OnChange func(Snapshot)
	// OnSend runs once a new message passed the send guards, before delivery.
	OnSend func()
}

// Controller is the single owner of one tab's session. Guards are checked
// atomically under mu; network calls run outside it.
type Controller struct {
	backend  Backend
	usage    UsageGate
	last     LastConversations
	mode     domain.SessionMode
	logger   *slog.Logger
	onChange func(Snapshot)
	onSend   func()
	now      func() time.Time

	mu       sync.Mutex
	session  domain.Session
	messages []domain.Message
	waiting  bool
	gen      uint64
}

// New creates an idle controller.
func New(cfg Config) *Controller {
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeText
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		backend:  cfg.Backend,
		usage:    cfg.Usage,
		last:     cfg.Last,
		mode:     cfg.Mode,
		logger:   cfg.Logger,
		onChange: cfg.OnChange,
		onSend:   cfg.OnSend,
		now:      time.Now,
		session:  domain.Session{Mode: cfg.Mode, State: domain.StateIdle},
	}
}

// begin moves to connecting and returns the id of a session to close first.
func (c *Controller) begin(expertID string) (uint64, string, error) {
	if strings.TrimSpace(expertID) == "" {
		return 0, "", ErrExpertRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session.State.CanStart() {
		return 0, "", ErrSessionBusy
	}
	previous := ""
	if c.session.State == domain.StateConnected {
		previous = c.session.ID
	}
	c.gen++
	c.session = domain.Session{ExpertID: expertID, Mode: c.mode, State: domain.StateConnecting}
	c.waiting = false
	return c.gen, previous, nil
}

// Start opens a new conversation with expertID. From connected it ends the
// current conversation first.
func (c *Controller) Start(ctx context.Context, expertID string) (*domain.Session, error) {
	gen, previous, err := c.begin(expertID)
	if err != nil {
		return nil, err
	}
	c.publish()
	c.endRemote(ctx, previous)
	return c.create(ctx, gen, expertID)
}

func (c *Controller) create(ctx context.Context, gen uint64, expertID string) (*domain.Session, error) {
	id, err := c.backend.CreateConversation(ctx, expertID, c.mode)
	if err == nil && id == "" {
		err = fmt.Errorf("backend returned an empty conversation id")
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if err == nil {
			c.endRemote(ctx, id)
		}
		return nil, ErrSessionReplaced
	}
	if err != nil {
		c.session.State = domain.StateError
		c.session.Error = userMessage(err)
		c.mu.Unlock()
		c.logger.Error("failed to start conversation", "expert_id", expertID, "error", err)
		c.publish()
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	c.session = domain.Session{
		ID:        id,
		ExpertID:  expertID,
		Mode:      c.mode,
		State:     domain.StateConnected,
		StartedAt: c.now(),
	}
	c.messages = nil
	session := c.session
	c.mu.Unlock()

	c.remember(ctx, expertID, id)
	c.logger.Info("conversation started", "expert_id", expertID, "conversation_id", id, "mode", c.mode)
	c.publish()
	return &session, nil
}

// Resume reconnects to the expert's last conversation, loading its
// transcript, or starts a new one when there is none or it cannot be loaded.
func (c *Controller) Resume(ctx context.Context, expertID string) (*domain.Session, error) {
	if c.last == nil {
		return c.Start(ctx, expertID)
	}
	lastID, err := c.last.GetLastConversation(ctx, expertID)
	if err != nil {
		c.logger.Warn("failed to read last conversation", "expert_id", expertID, "error", err)
	}
	if lastID == "" {
		return c.Start(ctx, expertID)
	}

	gen, previous, err := c.begin(expertID)
	if err != nil {
		return nil, err
	}
	c.publish()
	if previous != lastID {
		c.endRemote(ctx, previous)
	}

	history, err := c.backend.ListMessages(ctx, lastID)
	if err != nil {
		if errors.Is(err, bapi.ErrUnauthorized) {
			c.fail(gen, err)
			return nil, err
		}
		c.logger.Info("last conversation not resumable, starting new", "conversation_id", lastID, "error", err)
		return c.create(ctx, gen, expertID)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil, ErrSessionReplaced
	}
	for i := range history {
		if history[i].Role == domain.RoleUser && history[i].Status == "" {
			history[i].Status = domain.MessageSent
		}
	}
	c.session = domain.Session{
		ID:        lastID,
		ExpertID:  expertID,
		Mode:      c.mode,
		State:     domain.StateConnected,
		StartedAt: c.now(),
	}
	c.messages = history
	session := c.session
	c.mu.Unlock()

	c.logger.Info("conversation resumed", "expert_id", expertID, "conversation_id", lastID, "messages", len(history))
	c.publish()
	return &session, nil
}

func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen == gen {
		c.session.State = domain.StateError
		c.session.Error = userMessage(err)
	}
	c.mu.Unlock()
	c.publish()
}

// SendMessage sends text as the user. Every guard runs before any network
// call. The user message is visible immediately as pending.
func (c *Controller) SendMessage(ctx context.Context, text string) (*domain.Message, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if err := c.guardSendLocked(text == ""); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Text:      text,
		Timestamp: c.now(),
		Status:    domain.MessagePending,
	}
	c.messages = append(c.messages, msg)
	c.waiting = true
	session := c.session
	c.mu.Unlock()

	if c.onSend != nil {
		c.onSend()
	}
	c.publish()
	return c.deliver(ctx, session, msg.ID, text)
}

// Retry resends a failed user message, keeping its id.
func (c *Controller) Retry(ctx context.Context, messageID string) (*domain.Message, error) {
	c.mu.Lock()
	if err := c.guardSendLocked(false); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	idx := c.indexLocked(messageID)
	if idx < 0 || c.messages[idx].Role != domain.RoleUser || c.messages[idx].Status != domain.MessageFailed {
		c.mu.Unlock()
		return nil, ErrNotRetryable
	}
	c.messages[idx].Status = domain.MessagePending
	text := c.messages[idx].Text
	c.waiting = true
	session := c.session
	c.mu.Unlock()

	c.publish()
	return c.deliver(ctx, session, messageID, text)
}

func (c *Controller) guardSendLocked(empty bool) error {
	switch {
	case c.session.State != domain.StateConnected || c.session.ID == "":
		return ErrNotConnected
	case empty:
		return ErrEmptyMessage
	case c.waiting:
		return ErrResponsePending
	case c.usage != nil && !c.usage.CanSendMessage():
		return ErrMessageLimitReached
	}
	return nil
}

func (c *Controller) deliver(ctx context.Context, session domain.Session, messageID, text string) (*domain.Message, error) {
	reply, err := c.backend.SendMessage(ctx, session.ID, text)

	c.mu.Lock()
	current := c.session.ID == session.ID
	if current {
		c.waiting = false
	}
	idx := c.indexLocked(messageID)
	if err != nil {
		if idx >= 0 {
			c.messages[idx].Status = domain.MessageFailed
		}
		c.mu.Unlock()
		c.logger.Warn("failed to send message", "conversation_id", session.ID, "message_id", messageID, "error", err)
		c.publish()
		return nil, fmt.Errorf("send message: %w", err)
	}

	if idx >= 0 {
		c.messages[idx].Status = domain.MessageSent
	}
	agent := domain.Message{
		ID:        reply.ID,
		Role:      domain.RoleAgent,
		Text:      reply.Text,
		Timestamp: reply.CreatedAt,
		Sources:   reply.Sources,
		ToolCalls: reply.ToolCalls,
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Timestamp.IsZero() {
		agent.Timestamp = c.now()
	}
	if current {
		c.messages = append(c.messages, agent)
	}
	c.mu.Unlock()

	c.publish()
	if c.usage != nil {
		c.usage.Track(ctx, domain.UsageEvent{
			Type:           domain.UsageMessage,
			Quantity:       1,
			ExpertID:       session.ExpertID,
			ConversationID: session.ID,
		})
	}
	return &agent, nil
}

// AppendTranscript records a message produced outside SendMessage, such as
// an agent utterance during a voice call.
func (c *Controller) AppendTranscript(role domain.Role, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	if c.session.State != domain.StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	msg := domain.Message{ID: uuid.NewString(), Role: role, Text: text, Timestamp: c.now()}
	if role == domain.RoleUser {
		msg.Status = domain.MessageSent
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.publish()
	return nil
}

// End closes the session. Backend failures are logged only. The transcript
// stays readable until the next Start.
func (c *Controller) End(ctx context.Context) {
	c.mu.Lock()
	id := c.session.ID
	wasActive := c.session.State == domain.StateConnected || c.session.State == domain.StateConnecting
	c.gen++
	c.session.ID = ""
	c.session.State = domain.StateEnded
	c.session.Error = ""
	c.waiting = false
	c.mu.Unlock()

	c.endRemote(ctx, id)
	if wasActive {
		c.logger.Info("conversation ended", "conversation_id", id)
	}
	c.publish()
}

// Session returns the current session.
func (c *Controller) Session() domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Messages returns a copy of the transcript.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.messages...)
}

// Snapshot returns session, transcript and waiting flag together.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Session:  c.session,
		Messages: append([]domain.Message(nil), c.messages...),
		Waiting:  c.waiting,
	}
}

func (c *Controller) publish() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.Snapshot())
}

func (c *Controller) indexLocked(messageID string) int {
	for i := range c.messages {
		if c.messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

func (c *Controller) endRemote(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := c.backend.EndConversation(context.WithoutCancel(ctx), id); err != nil {
		c.logger.Warn("failed to end conversation", "conversation_id", id, "error", err)
	}
}

func (c *Controller) remember(ctx context.Context, expertID, id string) {
	if c.last == nil {
		return
	}
	if err := c.last.SetLastConversation(ctx, expertID, id); err != nil {
		c.logger.Warn("failed to remember conversation", "expert_id", expertID, "error", err)
	}
}

// userMessage turns a backend failure into text fit for the UI.
func userMessage(err error) string {
	var apiErr *bapi.APIError
	switch {
	case errors.Is(err, bapi.ErrUnauthorized):
		return "Your session has expired. Please log in again."
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return apiErr.Message
	case errors.Is(err, context.DeadlineExceeded):
		return "The expert took too long to respond. Please try again."
	default:
		return "Could not connect to the expert. Please try again."
	}
}
