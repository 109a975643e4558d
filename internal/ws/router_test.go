package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hyper-ai-inc/pullbroker/internal/broker"
	"github.com/hyper-ai-inc/pullbroker/internal/notify"
	"github.com/hyper-ai-inc/pullbroker/internal/sessions"
	"github.com/rs/zerolog"
)

func setupTestServer(t *testing.T) (*httptest.Server, *notify.Hub, *sessions.Manager, func()) {
	t.Helper()

	hub := notify.NewHub()
	go hub.Run()

	sm := sessions.NewManager()
	router := NewRouter(hub, sm, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /agent/events", router.HandleEvents)

	server := httptest.NewServer(mux)
	return server, hub, sm, func() {
		server.Close()
		hub.Stop()
	}
}

func wsURL(server *httptest.Server, sessionID string) string {
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/agent/events"
	if sessionID != "" {
		url += "?session_id=" + sessionID
	}
	return url
}

func waitForClients(hub *notify.Hub, n int) bool {
	for i := 0; i < 100; i++ {
		if hub.ClientCount() == n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestWebSocketReceivesWake(t *testing.T) {
	server, hub, _, cleanup := setupTestServer(t)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, ""), nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	if !waitForClients(hub, 1) {
		t.Fatal("client did not register")
	}

	hub.Observe(broker.Event{Queue: "commands", Type: broker.EventEnqueued, ID: "x"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var wake notify.Wake
	if err := conn.ReadJSON(&wake); err != nil {
		t.Fatalf("failed to read wake: %v", err)
	}
	if wake.Type != "wake" || wake.Queue != "commands" {
		t.Errorf("unexpected wake: %+v", wake)
	}
}

func TestWebSocketSessionScope(t *testing.T) {
	server, hub, sm, cleanup := setupTestServer(t)
	defer cleanup()

	session := sm.Create("", "")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, session.ID), nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	waitForClients(hub, 1)

	hub.Observe(broker.Event{Queue: "approvals", Type: broker.EventEnqueued, Target: "someone-else"})
	hub.Observe(broker.Event{Queue: "approvals", Type: broker.EventEnqueued, Target: session.ID})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var wake notify.Wake
	if err := conn.ReadJSON(&wake); err != nil {
		t.Fatalf("failed to read wake: %v", err)
	}
	if wake.SessionID != session.ID {
		t.Errorf("expected wake for %s, got %+v", session.ID, wake)
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	server, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "nonexistent"), nil)
	if err == nil {
		t.Fatal("expected connection to fail")
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	server, hub, _, cleanup := setupTestServer(t)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, ""), nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if !waitForClients(hub, 1) {
		t.Fatal("client did not register")
	}

	conn.Close()
	if !waitForClients(hub, 0) {
		t.Errorf("expected client to unregister, %d remain", hub.ClientCount())
	}
}
