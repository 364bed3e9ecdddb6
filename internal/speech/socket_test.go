package speech

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/expertline/internal/identity"
)

type adapterMap struct {
	mu       sync.Mutex
	mgr      *SocketManager
	adapters map[string]*Adapter
	created  chan *Adapter
}

func (m *adapterMap) SpeechAdapter(key string) *Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.adapters[key]; ok {
		return a
	}
	a := NewAdapter(Config{Recognizer: m.mgr.Recognizer(key), Input: m.mgr.Input(key)})
	m.adapters[key] = a
	m.created <- a
	return a
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, _ := json.Marshal(msg)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestSocketHandlerDrivesAdapter(t *testing.T) {
	t.Parallel()

	mgr := NewSocketManager(nil)
	adapters := &adapterMap{mgr: mgr, adapters: map[string]*Adapter{}, created: make(chan *Adapter, 1)}
	srv := httptest.NewServer(identity.Middleware(true)(NewSocketHandler(mgr, adapters, "*", true, nil)))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/speech?tab=t1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var adapter *Adapter
	select {
	case adapter = <-adapters.created:
	case <-ctx.Done():
		t.Fatal("adapter was not resolved")
	}

	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if msg := readFrame(t, ctx, conn); msg.Type != "start" || msg.Options == nil || !msg.Options.Continuous {
		t.Fatalf("expected start frame, got %+v", msg)
	}

	writeFrame(t, ctx, conn, Message{Type: "result", Segments: []Segment{{Text: "hello", IsFinal: true}}})
	if msg := readFrame(t, ctx, conn); msg.Type != "transcript" || msg.Text != "hello" {
		t.Fatalf("expected transcript frame, got %+v", msg)
	}

	writeFrame(t, ctx, conn, Message{Type: "end"})
	if msg := readFrame(t, ctx, conn); msg.Type != "start" {
		t.Fatalf("expected restart frame after end, got %+v", msg)
	}

	writeFrame(t, ctx, conn, Message{Type: "error", Error: "not-allowed"})
	writeFrame(t, ctx, conn, Message{Type: "ping"})
	if msg := readFrame(t, ctx, conn); msg.Type != "pong" {
		t.Fatalf("expected pong, got %+v", msg)
	}
	if st := adapter.State(); st.Listening || !strings.Contains(st.Error, "denied") {
		t.Fatalf("expected adapter stopped with permission error, got %+v", st)
	}
}

func TestSocketManagerUnregisterStale(t *testing.T) {
	t.Parallel()

	m := NewSocketManager(nil)
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	m.Register("cl:t1", conn1)
	m.Register("cl:t2", conn2)
	m.Unregister("cl:t1", conn2)
	if m.GetActive("cl:t1") != conn1 {
		t.Fatal("unregister with a different conn must not remove the active one")
	}
	m.Unregister("cl:t1", conn1)
	if m.GetActive("cl:t1") != nil || m.GetActive("cl:t2") != conn2 {
		t.Fatal("unexpected registry state")
	}
}

func TestSendWithoutDeviceFails(t *testing.T) {
	t.Parallel()

	m := NewSocketManager(nil)
	if err := m.Recognizer("none").Start(context.Background(), Options{}); err != ErrNoDevice {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	if err := m.Recognizer("none").Stop(context.Background()); err != nil {
		t.Fatalf("stop without device should be a no-op, got %v", err)
	}
}
