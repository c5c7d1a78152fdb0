package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/trsang/smarttrash-core/internal/audit"
	"github.com/trsang/smarttrash-core/internal/auth"
	"github.com/trsang/smarttrash-core/internal/infrastructure/config"
	"github.com/trsang/smarttrash-core/internal/infrastructure/logging"
	"github.com/trsang/smarttrash-core/internal/telemetry"
)

// liveServer serves the router on a real listener for WebSocket tests.
func liveServer(t *testing.T) (*fixture, *httptest.Server) {
	t.Helper()
	f := testServer(t)
	f.srv.hub.gauge = f.metrics
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)
	return f, ts
}

// connectWebSocket obtains a ticket for session and dials /ws with it.
func connectWebSocket(t *testing.T, f *fixture, ts *httptest.Server, session auth.Session) *websocket.Conn {
	t.Helper()

	w := f.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", nil, session.AccessToken)
	var resp struct {
		Ticket string `json:"ticket"`
	}
	decode(t, w, &resp)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + resp.Ticket
	conn, httpResp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	httpResp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading websocket message: %v", err)
	}
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, id string, channels ...string) WSMessage {
	t.Helper()
	if err := conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: id, Payload: WSSubscribePayload{Channels: channels}}); err != nil {
		t.Fatalf("writing subscribe: %v", err)
	}
	return readMessage(t, conn)
}

// waitForClients polls until the hub has n clients.
func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub clients = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_TelemetryBroadcast(t *testing.T) {
	f, ts := liveServer(t)
	f.createUser(t, "alice", auth.RoleUser)
	conn := connectWebSocket(t, f, ts, f.login(t, "alice"))
	waitForClients(t, f.srv.hub, 1)

	if got := testutil.ToFloat64(f.metrics.WebSocketClients); got != 1 {
		t.Errorf("websocket_clients gauge = %v, want 1", got)
	}

	resp := subscribe(t, conn, "sub-1", telemetry.Channel)
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	f.srv.hub.Broadcast(audit.AlertChannel, map[string]string{"kind": "reuse_detected"})
	f.srv.hub.Broadcast(telemetry.Channel, telemetry.Reading{Node: "bin-07", Distance: 42})

	msg := readMessage(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != telemetry.Channel {
		t.Fatalf("event = %+v, want telemetry event", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["node"] != "bin-07" {
		t.Errorf("payload = %v", msg.Payload)
	}
}

func TestWebSocket_ChannelPermissions(t *testing.T) {
	f, ts := liveServer(t)
	f.createUser(t, "alice", auth.RoleUser)
	f.createUser(t, "root", auth.RoleAdmin)

	user := connectWebSocket(t, f, ts, f.login(t, "alice"))
	if msg := subscribe(t, user, "s1", audit.AlertChannel); msg.Type != WSTypeError {
		t.Errorf("user subscribing to security = %+v, want error", msg)
	}
	if msg := subscribe(t, user, "s2", "firmware"); msg.Type != WSTypeError {
		t.Errorf("unknown channel = %+v, want error", msg)
	}

	admin := connectWebSocket(t, f, ts, f.login(t, "root"))
	if msg := subscribe(t, admin, "s3", audit.AlertChannel); msg.Type != WSTypeResponse {
		t.Fatalf("admin subscribing to security = %+v", msg)
	}
	f.srv.hub.Broadcast(audit.AlertChannel, audit.Alert{Kind: "reuse_detected", Severity: "critical"})
	if msg := readMessage(t, admin); msg.EventType != audit.AlertChannel {
		t.Errorf("admin event = %+v", msg)
	}
}

func TestWebSocket_PingUnsubscribeAndErrors(t *testing.T) {
	f, ts := liveServer(t)
	f.createUser(t, "alice", auth.RoleUser)
	conn := connectWebSocket(t, f, ts, f.login(t, "alice"))

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("ping reply = %+v", msg)
	}

	subscribe(t, conn, "s1", telemetry.Channel)
	if err := conn.WriteJSON(WSMessage{Type: WSTypeUnsubscribe, ID: "u1", Payload: WSSubscribePayload{Channels: []string{telemetry.Channel}}}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypeResponse || msg.ID != "u1" {
		t.Errorf("unsubscribe reply = %+v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypeError {
		t.Errorf("invalid JSON reply = %+v", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: "dance", ID: "d1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypeError || msg.ID != "d1" {
		t.Errorf("unknown type reply = %+v", msg)
	}
}

func TestWebSocket_TicketRequired(t *testing.T) {
	_, ts := liveServer(t)
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"

	for _, url := range []string{base, base + "?ticket=bogus"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatalf("dial %s should fail", url)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("dial %s response = %v, want 401", url, resp)
		}
		if resp != nil {
			resp.Body.Close()
		}
	}
}

func TestHub_CloseAllOnShutdown(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error"}, "test")
	hub := NewHub(config.WebSocketConfig{}, log, nil)

	client := &WSClient{hub: hub, send: make(chan []byte, 1), subscriptions: map[string]struct{}{telemetry.Channel: {}}}
	hub.Register(client)
	hub.Broadcast(telemetry.Channel, "x")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if hub.ClientCount() != 0 {
		t.Errorf("clients after shutdown = %d", hub.ClientCount())
	}
	if _, ok := <-client.send; !ok {
		t.Fatal("buffered broadcast should still be readable")
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed")
	}

	// Unregister after shutdown must not double-close.
	hub.Unregister(client)
	client.trySend([]byte("late"))
}
