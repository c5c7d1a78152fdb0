package metrics

import (
	"context"

	"github.com/trsang/smarttrash-core/internal/auth"
)

// Observer is an auth.EventSink that turns events into counters.
type Observer struct {
	m *Metrics
}

// NewObserver creates an Observer feeding m.
func NewObserver(m *Metrics) *Observer {
	return &Observer{m: m}
}

// Record implements auth.EventSink.
func (o *Observer) Record(_ context.Context, e auth.Event) {
	o.m.AuthEventsTotal.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case auth.EventTokenRevoked:
		o.m.TokensRevokedTotal.WithLabelValues("single").Inc()
	case auth.EventOwnerRevoked:
		o.m.TokensRevokedTotal.WithLabelValues("owner").Add(float64(e.Count))
	case auth.EventReuseDetected:
		o.m.TokensRevokedTotal.WithLabelValues("reuse_sweep").Add(float64(e.Count))
	case auth.EventSweepFailed:
		o.m.SweepFailuresTotal.Inc()
	case auth.EventPurged:
		o.m.TokensPurgedTotal.Add(float64(e.Count))
	}
}
