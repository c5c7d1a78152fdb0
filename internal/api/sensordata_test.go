package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/trsang/smarttrash-core/internal/auth"
	"github.com/trsang/smarttrash-core/internal/telemetry"
)

type fakeReadings struct {
	latest   []telemetry.Reading
	recent   []telemetry.Reading
	err      error
	gotNode  string
	gotLimit int
}

func (f *fakeReadings) Latest(context.Context) ([]telemetry.Reading, error) {
	return f.latest, f.err
}

func (f *fakeReadings) Recent(_ context.Context, node string, limit int) ([]telemetry.Reading, error) {
	f.gotNode, f.gotLimit = node, limit
	if node == "bad node" {
		return nil, telemetry.ErrInvalidNode
	}
	return f.recent, f.err
}

// withReadings rebuilds the router with a reading source attached.
func (f *fixture) withReadings(src ReadingSource) {
	f.srv.readings = src
	f.handler = f.srv.buildRouter()
}

type sensorResponse struct {
	Data  []telemetry.Reading `json:"data"`
	Count int                 `json:"count"`
}

func TestSensorData_Latest(t *testing.T) {
	f := testServer(t)
	f.createUser(t, "alice", auth.RoleUser)
	session := f.login(t, "alice")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.withReadings(&fakeReadings{latest: []telemetry.Reading{
		{Node: "bin-07", Distance: 42.5, Gas: 310, ReceivedAt: at},
		{Node: "bin-03", Distance: 12, Tipping: true, ReceivedAt: at.Add(-time.Hour)},
	}})

	w := f.do(t, http.MethodGet, "/api/v1/sensor-data/latest", nil, "")
	assertError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)

	w = f.do(t, http.MethodGet, "/api/v1/sensor-data/latest", nil, session.AccessToken)
	if w.Code != http.StatusOK {
		t.Fatalf("latest status = %d, body %s", w.Code, w.Body.String())
	}
	var resp sensorResponse
	decode(t, w, &resp)
	if resp.Count != 2 || resp.Data[0].Node != "bin-07" || !resp.Data[1].Tipping {
		t.Errorf("latest = %+v", resp)
	}
	if !resp.Data[0].ReceivedAt.Equal(at) {
		t.Errorf("received_at = %v, want %v", resp.Data[0].ReceivedAt, at)
	}
}

func TestSensorData_History(t *testing.T) {
	f := testServer(t)
	f.createUser(t, "alice", auth.RoleUser)
	session := f.login(t, "alice")
	src := &fakeReadings{}
	f.withReadings(src)

	w := f.do(t, http.MethodGet, "/api/v1/sensor-data/history?node=bin-07&limit=20", nil, session.AccessToken)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d, body %s", w.Code, w.Body.String())
	}
	var resp sensorResponse
	decode(t, w, &resp)
	if resp.Count != 0 || resp.Data == nil {
		t.Errorf("empty history = %+v, want an empty list", resp)
	}
	if src.gotNode != "bin-07" || src.gotLimit != 20 {
		t.Errorf("Recent(%q, %d), want bin-07, 20", src.gotNode, src.gotLimit)
	}

	f.do(t, http.MethodGet, "/api/v1/sensor-data/history", nil, session.AccessToken)
	if src.gotNode != "" || src.gotLimit != 0 {
		t.Errorf("Recent(%q, %d) without params, want defaults", src.gotNode, src.gotLimit)
	}

	for _, path := range []string{
		"/api/v1/sensor-data/history?limit=abc",
		"/api/v1/sensor-data/history?limit=0",
		"/api/v1/sensor-data/history?node=bad+node",
	} {
		w := f.do(t, http.MethodGet, path, nil, session.AccessToken)
		assertError(t, w, http.StatusBadRequest, ErrCodeBadRequest)
	}
}

func TestSensorData_Unavailable(t *testing.T) {
	f := testServer(t)
	f.createUser(t, "alice", auth.RoleUser)
	session := f.login(t, "alice")

	w := f.do(t, http.MethodGet, "/api/v1/sensor-data/latest", nil, session.AccessToken)
	assertError(t, w, http.StatusNotImplemented, ErrCodeUnavailable)

	f.withReadings(&fakeReadings{err: errors.New("influx down")})
	w = f.do(t, http.MethodGet, "/api/v1/sensor-data/history", nil, session.AccessToken)
	assertError(t, w, http.StatusServiceUnavailable, ErrCodeUnavailable)
}
