package api

import (
	"net/http"
	"testing"

	"github.com/trsang/smarttrash-core/internal/auth"
	"github.com/trsang/smarttrash-core/internal/infrastructure/mqtt"
)

type published struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

type fakeBroker struct {
	connected bool
	sent      []published
	err       error
}

func (b *fakeBroker) IsConnected() bool      { return b.connected }
func (b *fakeBroker) SubscriptionCount() int { return 1 }

func (b *fakeBroker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, published{topic, string(payload), qos, retained})
	return nil
}

// withBroker rebuilds the router with an MQTT connection attached.
func (f *fixture) withBroker(b Broker) {
	f.srv.broker = b
	f.handler = f.srv.buildRouter()
}

func TestBrokerStatus(t *testing.T) {
	f := testServer(t)
	f.createUser(t, "alice", auth.RoleUser)
	session := f.login(t, "alice")

	var status map[string]any
	decode(t, f.do(t, http.MethodGet, "/api/v1/mqtt/broker-status", nil, session.AccessToken), &status)
	if status["status"] != "disabled" || status["connected"] != false {
		t.Errorf("status without broker = %v", status)
	}

	b := &fakeBroker{connected: true}
	f.withBroker(b)
	decode(t, f.do(t, http.MethodGet, "/api/v1/mqtt/broker-status", nil, session.AccessToken), &status)
	if status["status"] != "connected" || status["subscriptions"] != float64(1) {
		t.Errorf("status = %v", status)
	}

	b.connected = false
	decode(t, f.do(t, http.MethodGet, "/api/v1/mqtt/broker-status", nil, session.AccessToken), &status)
	if status["status"] != "disconnected" {
		t.Errorf("status after drop = %v", status)
	}
}

func TestPublish(t *testing.T) {
	f := testServer(t)
	f.createUser(t, "root", auth.RoleAdmin)
	f.createUser(t, "alice", auth.RoleUser)
	admin := f.login(t, "root")
	user := f.login(t, "alice")

	body := map[string]any{"topic": "smarttrash/bin-07/cmd", "message": `{"beep":true}`}
	w := f.do(t, http.MethodPost, "/api/v1/admin/mqtt/publish", body, admin.AccessToken)
	assertError(t, w, http.StatusNotImplemented, ErrCodeUnavailable)

	b := &fakeBroker{connected: true}
	f.withBroker(b)

	w = f.do(t, http.MethodPost, "/api/v1/admin/mqtt/publish", body, user.AccessToken)
	assertError(t, w, http.StatusForbidden, ErrCodeForbidden)

	w = f.do(t, http.MethodPost, "/api/v1/admin/mqtt/publish", body, admin.AccessToken)
	if w.Code != http.StatusOK {
		t.Fatalf("publish status = %d, body %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/api/v1/admin/mqtt/publish",
		map[string]any{"topic": "smarttrash/bin-07/cmd", "qos": 0, "retained": true}, admin.AccessToken)
	if w.Code != http.StatusOK {
		t.Fatalf("publish qos 0 status = %d", w.Code)
	}
	want := []published{
		{"smarttrash/bin-07/cmd", `{"beep":true}`, 1, false},
		{"smarttrash/bin-07/cmd", "", 0, true},
	}
	if len(b.sent) != 2 || b.sent[0] != want[0] || b.sent[1] != want[1] {
		t.Errorf("sent = %+v, want %+v", b.sent, want)
	}

	for name, bad := range map[string]map[string]any{
		"missing topic": {"message": "x"},
		"wildcard":      {"topic": "smarttrash/+/cmd"},
		"qos too high":  {"topic": "smarttrash/bin-07/cmd", "qos": 3},
	} {
		w := f.do(t, http.MethodPost, "/api/v1/admin/mqtt/publish", bad, admin.AccessToken)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, w.Code)
		}
	}

	b.err = mqtt.ErrNotConnected
	w = f.do(t, http.MethodPost, "/api/v1/admin/mqtt/publish", body, admin.AccessToken)
	assertError(t, w, http.StatusServiceUnavailable, ErrCodeUnavailable)
}
