package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/agent-relay/internal/relay"
)

func wsURL(baseURL, path string) string {
	if strings.HasPrefix(baseURL, "https://") {
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + path
	}
	return "ws://" + strings.TrimPrefix(baseURL, "http://") + path
}

func dialEvents(t *testing.T, srv *Server, path string) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	testServer := httptest.NewServer(srv.Handler())
	t.Cleanup(testServer.Close)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL, path), nil)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial failed with status %d: %v", resp.StatusCode, err)
		}
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello wsServerMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("failed to read connected message: %v", err)
	}
	if hello.Type != "status" || hello.Event != "connected" {
		t.Fatalf("unexpected first ws message: %+v", hello)
	}
	return conn, testServer
}

func TestWSEndpointUnauthorized(t *testing.T) {
	srv := newTestServer(t, Config{Token: "secret-token"})

	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL, "/ws/events"), nil)
	if err == nil {
		t.Fatal("expected websocket dial error for unauthorized request")
	}
	if resp == nil {
		t.Fatal("expected HTTP response for unauthorized websocket upgrade")
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestWSEndpointAuthorizedWithQueryToken(t *testing.T) {
	srv := newTestServer(t, Config{Token: "secret-token"})
	dialEvents(t, srv, "/ws/events?token=secret-token")
}

func TestWSEndpointRejectsCrossOrigin(t *testing.T) {
	srv := newTestServer(t, Config{})

	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL, "/ws/events"), header)
	if err == nil {
		t.Fatal("expected cross-origin websocket dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status %d, got %+v", http.StatusForbidden, resp)
	}
}

func TestWSEndpointPing(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn, _ := dialEvents(t, srv, "/ws/events")

	if err := conn.WriteJSON(wsClientMessage{Type: "ping"}); err != nil {
		t.Fatalf("failed to write ping message: %v", err)
	}
	var pong wsServerMessage
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("failed to read pong ws message: %v", err)
	}
	if pong.Type != "status" || pong.Event != "pong" {
		t.Fatalf("unexpected pong message: %+v", pong)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("nope")); err != nil {
		t.Fatalf("failed to write invalid message: %v", err)
	}
	var bad wsServerMessage
	if err := conn.ReadJSON(&bad); err != nil {
		t.Fatalf("failed to read error message: %v", err)
	}
	if bad.Type != "error" || bad.Code != "INVALID_MESSAGE" {
		t.Fatalf("unexpected error message: %+v", bad)
	}
}

func TestWSEndpointStreamsNotifications(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn, _ := dialEvents(t, srv, "/ws/events")

	// the subscription is registered before the connected message is written
	n := relay.Notification{
		ProjectID: "web",
		AgentID:   "claude",
		ChannelID: "100",
		Kind:      relay.KindCompleted,
		Text:      "completed:\n```\ndone\n```",
		Part:      1,
		Parts:     1,
	}
	if err := srv.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var ev wsServerMessage
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read notification: %v", err)
	}
	if ev.Type != "notification" || ev.Project != "web" || ev.Agent != "claude" || ev.Kind != "completed" {
		t.Fatalf("unexpected notification event: %+v", ev)
	}
	if ev.Text != n.Text || ev.Part != 1 || ev.Parts != 1 {
		t.Fatalf("unexpected notification payload: %+v", ev)
	}
}

func TestWSEndpointClosesOnShutdown(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn, _ := dialEvents(t, srv, "/ws/events")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestEventHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := newEventHub()
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	for i := 0; i < subscriberBuffer+5; i++ {
		hub.publish(wsServerMessage{Type: "notification", Kind: "working"})
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected buffer to hold %d events, got %d", subscriberBuffer, len(ch))
	}

	hub.unsubscribe(ch)
	hub.unsubscribe(ch)
	if hub.count() != 0 {
		t.Fatalf("expected no subscribers after unsubscribe")
	}
}
