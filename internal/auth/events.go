package auth

import (
	"context"
	"time"
)

// EventKind names something that happened to a credential or session.
type EventKind string

// Event kinds emitted by the manager and the authentication flows.
const (
	EventLoginSucceeded  EventKind = "login_success"
	EventLoginFailed     EventKind = "login_failed"
	EventTokenIssued     EventKind = "token_issued"
	EventTokenRotated    EventKind = "token_rotated"
	EventRefreshRejected EventKind = "refresh_rejected"
	EventReuseDetected   EventKind = "reuse_detected"
	EventSweepFailed     EventKind = "sweep_revoke_failed"
	EventTokenRevoked    EventKind = "token_revoked"
	EventOwnerRevoked    EventKind = "owner_tokens_revoked"
	EventOwnerDeleted    EventKind = "owner_tokens_deleted"
	EventLogout          EventKind = "logout"
	EventPurged          EventKind = "tokens_purged"
	EventAccountStatus   EventKind = "account_status_changed"
	EventUserCreated     EventKind = "user_created"
)

// Event is a single observation handed to an EventSink.
type Event struct {
	Kind     EventKind
	OwnerID  string
	TokenID  string
	Username string
	Reason   string
	Count    int64
	Err      error
	At       time.Time
}

// EventSink receives auth events for auditing and observability.
// Record must not block the caller for long and must not fail the operation.
type EventSink interface {
	Record(ctx context.Context, e Event)
}

// EventSinks fans an event out to several sinks in order.
type EventSinks []EventSink

// Record forwards e to every sink.
func (s EventSinks) Record(ctx context.Context, e Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Record(ctx, e)
		}
	}
}

type nopSink struct{}

func (nopSink) Record(context.Context, Event) {}
