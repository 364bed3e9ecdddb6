// Package events streams asynchronous notifications to the UI over
// Server-Sent Events.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/expertline/internal/identity"
)

// Event types published to the UI.
const (
	TypeConnected    = "connected"
	TypeSession      = "session"
	TypeUsage        = "usage"
	TypeLimitReached = "limit_reached"
	TypeCall         = "call"
	TypeSpeech       = "speech"
	TypeTranscript   = "transcript"
	TypeWizard       = "wizard"
	TypeProgress     = "progress"
	TypeAuth         = "auth"
)

// Event is one notification. ID is assigned by the hub.
type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	Time time.Time `json:"time"`
}

type publication struct {
	key    string // empty broadcasts to every workspace
	ev     Event
	forget bool
}

type connection struct {
	id      int64
	key     string
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	mu      sync.Mutex
	lastID  int64
}

// Options configures a Hub.
type Options struct {
	QueueSize  int
	BufferSize int
	Keepalive  time.Duration
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Hub fans events out to the SSE streams of each workspace.
type Hub struct {
	opts   Options
	logger *slog.Logger
	queue  *Queue
	in     chan publication
	done   chan struct{}
	once   sync.Once

	connectionsMu sync.RWMutex
	connections   map[string]map[int64]*connection

	counterMu    sync.Mutex
	eventCounter int64
	connCounter  int64
	lastByKey    map[string]int64
}

// NewHub creates a hub and starts its broadcast loop.
func NewHub(opts Options) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Hub{
		opts:        opts,
		logger:      opts.Logger,
		queue:       NewQueue(opts.QueueSize),
		in:          make(chan publication, opts.BufferSize),
		done:        make(chan struct{}),
		connections: make(map[string]map[int64]*connection),
		lastByKey:   make(map[string]int64),
	}
	go h.broadcastLoop()
	return h
}

// Publish queues an event for the workspace key. It never blocks; events are
// dropped with a warning when the buffer is full.
func (h *Hub) Publish(key, eventType string, data any) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.in <- publication{key: key, ev: Event{Type: eventType, Data: data, Time: time.Now()}}:
	default:
		h.logger.Warn("event buffer full, dropping event", "workspace", key, "type", eventType)
	}
}

// Broadcast queues an event for every connected workspace.
func (h *Hub) Broadcast(eventType string, data any) {
	h.Publish("", eventType, data)
}

// LastEventID returns the id of the last event delivered to key.
func (h *Hub) LastEventID(key string) int64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	return h.lastByKey[key]
}

// Forget drops the replay queue of a closed workspace once the events
// already published for it have been processed.
func (h *Hub) Forget(key string) {
	select {
	case h.in <- publication{key: key, forget: true}:
	case <-h.done:
	}
}

func (h *Hub) forget(key string) {
	h.queue.Prune(key)
	h.counterMu.Lock()
	delete(h.lastByKey, key)
	h.counterMu.Unlock()
}

// Close stops the broadcast loop and ends every stream.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
		h.connectionsMu.Lock()
		for _, conns := range h.connections {
			for _, c := range conns {
				close(c.done)
			}
		}
		h.connections = make(map[string]map[int64]*connection)
		h.connectionsMu.Unlock()
	})
}

func (h *Hub) nextEventID(key string) int64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	h.eventCounter++
	if key != "" {
		h.lastByKey[key] = h.eventCounter
	}
	return h.eventCounter
}

func (h *Hub) broadcastLoop() {
	for {
		select {
		case <-h.done:
			return
		case p := <-h.in:
			if p.forget {
				h.forget(p.key)
				continue
			}
			if p.key == "" {
				for _, key := range h.keys() {
					ev := p.ev
					ev.ID = h.nextEventID(key)
					h.queue.Enqueue(key, ev)
					h.fanOut(key, ev)
				}
				continue
			}
			p.ev.ID = h.nextEventID(p.key)
			h.queue.Enqueue(p.key, p.ev)
			h.fanOut(p.key, p.ev)
		}
	}
}

func (h *Hub) keys() []string {
	h.connectionsMu.RLock()
	defer h.connectionsMu.RUnlock()
	keys := make([]string, 0, len(h.connections))
	for k := range h.connections {
		keys = append(keys, k)
	}
	return keys
}

func (h *Hub) fanOut(key string, ev Event) {
	h.connectionsMu.RLock()
	conns := make([]*connection, 0, len(h.connections[key]))
	for _, c := range h.connections[key] {
		conns = append(conns, c)
	}
	h.connectionsMu.RUnlock()

	for _, c := range conns {
		h.send(c, ev)
	}
}

func (h *Hub) send(c *connection, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	if ev.ID <= c.lastID {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err, "type", ev.Type)
		return
	}
	if err := writeSSEWithID(c.w, ev.ID, ev.Type, string(data)); err != nil {
		h.logger.Debug("failed to write event", "error", err, "conn_id", c.id, "workspace", c.key)
		return
	}
	c.flusher.Flush()
	c.lastID = ev.ID
}

// ServeHTTP streams the events of the request's workspace. A Last-Event-ID
// header (or lastEventId query parameter) replays buffered events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := identity.WorkspaceKey(r.Context())

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.opts.RetryDelay.Milliseconds())); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "workspace", key)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connCounter++
	connID := h.connCounter
	h.counterMu.Unlock()

	conn := &connection{id: connID, key: key, w: w, flusher: flusher, done: make(chan struct{})}

	// Replay is written while holding the connection lock so that live events
	// cannot interleave with it.
	conn.mu.Lock()
	h.connectionsMu.Lock()
	if _, exists := h.connections[key]; !exists {
		h.connections[key] = make(map[int64]*connection)
	}
	h.connections[key][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		h.connectionsMu.Lock()
		if conns, exists := h.connections[key]; exists {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(h.connections, key)
			}
		}
		h.connectionsMu.Unlock()
		h.logger.Info("SSE connection closed", "workspace", key, "conn_id", connID)
	}()

	replayed := 0
	if lastEventID > 0 {
		for _, ev := range h.queue.After(key, lastEventID) {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := writeSSEWithID(w, ev.ID, ev.Type, string(data)); err != nil {
				conn.mu.Unlock()
				return
			}
			conn.lastID = ev.ID
			replayed++
		}
	}
	connected := fmt.Sprintf(`{"status":"connected","replayed":%d}`, replayed)
	err := writeSSE(w, TypeConnected, connected)
	flusher.Flush()
	conn.mu.Unlock()
	if err != nil {
		h.logger.Warn("failed to write SSE connected event", "error", err, "workspace", key)
		return
	}

	h.logger.Info("SSE connection established", "workspace", key, "conn_id", connID, "replayed", replayed)

	keepalive := time.NewTicker(h.opts.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				h.logger.Debug("failed to write SSE keepalive ping", "error", err, "workspace", key)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
