package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gwillem/go2web/pkg/motion"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingHandler struct {
	mu   sync.Mutex
	cmds []motion.Command
	err  error
}

func (h *recordingHandler) HandleCommand(ctx context.Context, cmd motion.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, cmd)
	return h.err
}

func (h *recordingHandler) received() []motion.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]motion.Command(nil), h.cmds...)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_PublishReachesAllClients(t *testing.T) {
	hub := NewHub(nil, WithHubLogger(quietLogger))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	waitClients(t, hub, 2)

	hub.Publish("frame", map[string]string{"data": "abc"})

	for i, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg struct {
			Event string            `json:"event"`
			Data  map[string]string `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("client %d: read: %v", i, err)
		}
		if msg.Event != "frame" || msg.Data["data"] != "abc" {
			t.Errorf("client %d: got %+v", i, msg)
		}
	}
}

func TestHub_ControlCommand(t *testing.T) {
	handler := &recordingHandler{}
	hub := NewHub(handler, WithHubLogger(quietLogger))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	messages := []string{
		`{"event":"control_command","data":{"command":"move","x_speed":0.3,"yaw_speed":-0.5}}`,
		`{"event":"chat","data":{"text":"hi"}}`,
		`not json`,
		`{"event":"control_command","data":{"command":"switch_gait","gait_type":1}}`,
	}
	for _, m := range messages {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(handler.received()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := handler.received()
	want := []motion.Command{
		{Command: "move", XSpeed: 0.3, YawSpeed: -0.5},
		{Command: "switch_gait", GaitType: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("handler got %d commands %+v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestHub_HandlerErrorKeepsConnection(t *testing.T) {
	handler := &recordingHandler{err: motion.ErrNotLinked}
	hub := NewHub(handler, WithHubLogger(quietLogger))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, hub, 1)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"control_command","data":{"command":"stand_up"}}`))

	deadline := time.Now().Add(2 * time.Second)
	for len(handler.received()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish("frame", map[string]string{"data": "x"})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read after failed command: %v", err)
	}
	if msg.Event != "frame" {
		t.Errorf("event = %q, want frame", msg.Event)
	}
}

func TestHub_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(nil, WithHubLogger(quietLogger))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	dial(t, srv) // never reads
	waitClients(t, hub, 1)

	payload := map[string]string{"data": strings.Repeat("x", 256<<10)}
	start := time.Now()
	for i := 0; i < 200; i++ {
		hub.Publish("frame", payload)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Publish blocked for %v", elapsed)
	}
	if hub.Dropped() == 0 {
		t.Error("no deliveries dropped for a stalled client")
	}
}

func TestHub_Disconnect(t *testing.T) {
	hub := NewHub(nil, WithHubLogger(quietLogger))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)

	// Publishing with no clients is a no-op.
	hub.Publish("frame", nil)
}

func TestHub_PublishUnmarshalable(t *testing.T) {
	hub := NewHub(nil, WithHubLogger(quietLogger))
	hub.Publish("frame", func() {})
	if hub.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", hub.Dropped())
	}
}

func TestMessage_Envelope(t *testing.T) {
	data, err := json.Marshal(outgoing{Event: "frame", Data: map[string]string{"data": "abc"}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"event":"frame","data":{"data":"abc"}}`
	if string(data) != want {
		t.Errorf("envelope = %s, want %s", data, want)
	}
}
