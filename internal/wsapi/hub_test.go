package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/librenet/bufferbloat-test/internal/ratelimit"
	"github.com/librenet/bufferbloat-test/internal/session"
)

func newTestHub(t *testing.T) (*Hub, *ratelimit.Limiter) {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Limits{
		MaxConcurrentDownloads:  1,
		MaxConcurrentUploads:    1,
		MaxConcurrentWebsockets: 1,
		MaxTestsPerHour:         10,
		MaxBytesPerHour:         1 << 30,
	})
	t.Cleanup(limiter.Close)
	return NewHub(limiter), limiter
}

func startServer(t *testing.T, hub *Hub, persona session.Persona) *httptest.Server {
	t.Helper()
	profile := session.DefaultProfiles()[session.PersonaGamer]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.Accept(w, r, persona, profile)
		if err != nil {
			return
		}
		ctx := context.Background()
		go conn.RunReadLoop(ctx)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + srv.URL[len("http"):]
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func TestHubAcceptRegistersConnection(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := startServer(t, hub, session.PersonaGamer)
	dial(t, srv)

	deadline := time.Now().Add(time.Second)
	for hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Len() != 1 {
		t.Fatalf("expected 1 registered connection, got %d", hub.Len())
	}
}

func TestHubAcceptRejectsUnknownPersona(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := startServer(t, hub, session.Persona("not-a-persona"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + srv.URL[len("http"):]
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusInternalError, "")

	_, _, err = ws.Read(ctx)
	if err == nil {
		t.Fatal("expected the server to close the connection for an unknown persona")
	}
}

func TestHubAcceptEnforcesWebSocketConcurrency(t *testing.T) {
	hub, _ := newTestHub(t) // MaxConcurrentWebsockets: 1
	srv := startServer(t, hub, session.PersonaGamer)

	dial(t, srv) // first connection consumes the single slot

	deadline := time.Now().Add(time.Second)
	for hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + srv.URL[len("http"):]
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusInternalError, "")

	_, _, err = ws.Read(ctx)
	if err == nil {
		t.Fatal("expected the second connection to be refused by the websocket rate limit")
	}
}

func TestHubRemoveClosesConnection(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := startServer(t, hub, session.PersonaGamer)
	ws := dial(t, srv)

	deadline := time.Now().Add(time.Second)
	for hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var id string
	hub.Range(func(c *Connection) { id = c.Session.ID })
	if id == "" {
		t.Fatal("expected a registered connection")
	}
	hub.Remove(id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	if err == nil {
		t.Fatal("expected client read to fail after server-side removal")
	}
	if hub.Len() != 0 {
		t.Fatalf("expected 0 connections after Remove, got %d", hub.Len())
	}
}

func TestConnectionPingPongRoundTrip(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := startServer(t, hub, session.PersonaGamer)
	ws := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := pingIn{Sequence: 1, Timestamp: time.Now().UnixMilli()}
	data, _ := json.Marshal(struct {
		Type string `json:"type"`
		pingIn
	}{Type: "ping", pingIn: req})
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	_, reply, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	var pong pongOut
	if err := json.Unmarshal(reply, &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if pong.Type != "pong" || pong.Sequence != req.Sequence {
		t.Errorf("unexpected pong: %+v", pong)
	}
}

func TestConnectionStopTestAck(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := startServer(t, hub, session.PersonaGamer)
	ws := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"stop_test"}`)); err != nil {
		t.Fatalf("write stop_test: %v", err)
	}

	_, reply, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if typeOf(reply) != "stop_test_ack" {
		t.Errorf("expected stop_test_ack, got %q", typeOf(reply))
	}
}
