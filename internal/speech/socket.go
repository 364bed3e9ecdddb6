package speech

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/expertline/internal/identity"
)

const writeTimeout = 5 * time.Second

// Message is the JSON frame exchanged with the speech device.
type Message struct {
	Type     string    `json:"type"`
	Segments []Segment `json:"segments,omitempty"`
	Error    string    `json:"error,omitempty"`
	Text     string    `json:"text,omitempty"`
	Options  *Options  `json:"options,omitempty"`
}

// SocketManager tracks the device connection of each workspace.
type SocketManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
	logger *slog.Logger
}

// NewSocketManager creates an empty manager.
func NewSocketManager(logger *slog.Logger) *SocketManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketManager{active: make(map[string]*websocket.Conn), logger: logger}
}

// GetActive returns the connection for key, or nil.
func (m *SocketManager) GetActive(key string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[key]
}

// Register sets the connection for key, closing any it replaces.
func (m *SocketManager) Register(key string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.active[key]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "device replaced")
	}
	m.active[key] = conn
	m.logger.Info("speech device registered", "workspace", key)
}

// Unregister removes conn if it is still the active one for key.
func (m *SocketManager) Unregister(key string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.active[key]; ok && current == conn {
		delete(m.active, key)
		m.logger.Info("speech device unregistered", "workspace", key)
	}
}

// Close terminates the device connection for key.
func (m *SocketManager) Close(key string) {
	m.mu.Lock()
	conn, ok := m.active[key]
	delete(m.active, key)
	m.mu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "workspace closed")
	}
}

// CloseAll terminates every device connection.
func (m *SocketManager) CloseAll() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]*websocket.Conn)
	m.mu.Unlock()
	for _, conn := range active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Send writes msg to the device of key.
func (m *SocketManager) Send(ctx context.Context, key string, msg Message) error {
	conn := m.GetActive(key)
	if conn == nil {
		return ErrNoDevice
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Recognizer returns a Recognizer that drives the device of key.
func (m *SocketManager) Recognizer(key string) Recognizer {
	return &socketRecognizer{mgr: m, key: key}
}

// Input returns an Input that mirrors transcription text to the device of key.
func (m *SocketManager) Input(key string) Input {
	return InputFunc(func(text string) {
		err := m.Send(context.Background(), key, Message{Type: "transcript", Text: text})
		if err != nil && !errors.Is(err, ErrNoDevice) {
			m.logger.Debug("failed to send transcript", "workspace", key, "error", err)
		}
	})
}

type socketRecognizer struct {
	mgr *SocketManager
	key string
}

func (r *socketRecognizer) Start(ctx context.Context, opts Options) error {
	return r.mgr.Send(ctx, r.key, Message{Type: "start", Options: &opts})
}

func (r *socketRecognizer) Stop(ctx context.Context) error {
	err := r.mgr.Send(ctx, r.key, Message{Type: "stop"})
	if errors.Is(err, ErrNoDevice) {
		return nil
	}
	return err
}

// Adapters resolves the speech adapter of a workspace.
type Adapters interface {
	SpeechAdapter(key string) *Adapter
}

// SocketHandler accepts device connections on /ws/speech.
type SocketHandler struct {
	mgr           *SocketManager
	adapters      Adapters
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewSocketHandler creates the device websocket handler.
func NewSocketHandler(mgr *SocketManager, adapters Adapters, allowedOrigin string, isDev bool, logger *slog.Logger) *SocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketHandler{mgr: mgr, adapters: adapters, allowedOrigin: allowedOrigin, isDev: isDev, logger: logger}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := identity.WorkspaceKey(r.Context())
	h.logger.Info("speech device connection request", "workspace", key, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept speech websocket", "error", err, "workspace", key)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "device disconnected"); closeErr != nil {
			h.logger.Debug("failed to close speech websocket", "error", closeErr, "workspace", key)
		}
	}()

	h.mgr.Register(key, ws)
	defer h.mgr.Unregister(key, ws)

	adapter := h.adapters.SpeechAdapter(key)
	h.readLoop(r.Context(), ws, adapter, key)

	if adapter.State().Listening {
		adapter.HandleError(ErrNoDevice)
	}
	h.logger.Info("speech device session ended", "workspace", key)
}

func (h *SocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("speech websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *SocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, adapter *Adapter, key string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("speech websocket closed by device", "workspace", key)
			} else if ctx.Err() == nil {
				h.logger.Warn("speech websocket read error", "error", err, "workspace", key)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed speech frame", "workspace", key, "error", err)
			continue
		}

		switch msg.Type {
		case "result":
			adapter.HandleResult(msg.Segments)
		case "end":
			adapter.HandleEnd(ctx)
		case "error":
			adapter.HandleError(errors.New(msg.Error))
		case "ping":
			if err := h.mgr.Send(ctx, key, Message{Type: "pong"}); err != nil {
				h.logger.Debug("failed to send pong", "error", err)
			}
		default:
			h.logger.Debug("unknown speech frame", "workspace", key, "type", msg.Type)
		}
	}
}
