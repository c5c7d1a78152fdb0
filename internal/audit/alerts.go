package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/trsang/smarttrash-core/internal/auth"
	"github.com/trsang/smarttrash-core/internal/infrastructure/mqtt"
)

// Publisher sends a JSON message on an MQTT topic.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// SeriesWriter stores security events as time series points.
type SeriesWriter interface {
	WriteSecurityEvent(kind, ownerID string, count int64, at time.Time)
}

// Broadcaster fans alerts out to live WebSocket subscribers.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// AlertChannel is the WebSocket channel alerts are broadcast on.
const AlertChannel = "security"

// Alert is the payload published on smarttrash/system/security.
type Alert struct {
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	OwnerID   string    `json:"owner_id,omitempty"`
	TokenID   string    `json:"token_id,omitempty"`
	Revoked   int64     `json:"revoked,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SecurityAlerts is an auth.EventSink that raises an alert when a replayed
// refresh token is detected or a sweep leaves a token active.
// Either output may be nil.
type SecurityAlerts struct {
	publisher Publisher
	series    SeriesWriter
	live      Broadcaster
	topic     string
	logger    *slog.Logger
}

// NewSecurityAlerts creates a SecurityAlerts sink publishing on the system security topic.
func NewSecurityAlerts(publisher Publisher, series SeriesWriter, logger *slog.Logger) *SecurityAlerts {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SecurityAlerts{
		publisher: publisher,
		series:    series,
		topic:     mqtt.Topics{}.SystemSecurity(),
		logger:    logger,
	}
}

// SetBroadcaster additionally sends alerts to WebSocket subscribers of AlertChannel.
func (a *SecurityAlerts) SetBroadcaster(b Broadcaster) {
	a.live = b
}

// Record implements auth.EventSink.
func (a *SecurityAlerts) Record(ctx context.Context, e auth.Event) {
	alert, ok := alertFor(e)
	if !ok {
		return
	}

	if a.series != nil {
		a.series.WriteSecurityEvent(string(e.Kind), e.OwnerID, max(e.Count, 1), e.At)
	}
	if a.live != nil {
		a.live.Broadcast(AlertChannel, alert)
	}
	if a.publisher != nil {
		if err := a.publisher.PublishJSON(a.topic, alert); err != nil {
			a.logger.WarnContext(ctx, "publishing security alert failed",
				"kind", alert.Kind,
				"owner_id", alert.OwnerID,
				"error", err,
			)
		}
	}
}

func alertFor(e auth.Event) (Alert, bool) {
	switch e.Kind {
	case auth.EventReuseDetected:
		return Alert{
			Kind:      string(e.Kind),
			Severity:  "critical",
			OwnerID:   e.OwnerID,
			TokenID:   e.TokenID,
			Revoked:   e.Count,
			Message:   "refresh token reuse detected; all sessions of the owner revoked",
			Timestamp: e.At,
		}, true
	case auth.EventSweepFailed:
		msg := "revoking a token during a reuse sweep failed"
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return Alert{
			Kind:      string(e.Kind),
			Severity:  "high",
			OwnerID:   e.OwnerID,
			TokenID:   e.TokenID,
			Message:   msg,
			Timestamp: e.At,
		}, true
	default:
		return Alert{}, false
	}
}
