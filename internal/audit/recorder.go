package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/trsang/smarttrash-core/internal/auth"
)

// SourceCore marks audit rows written by the core's own auth flows.
const SourceCore = "core"

// writeTimeout bounds one audit insert; it runs detached from the caller's
// cancellation so a finished request still leaves its trail.
const writeTimeout = 2 * time.Second

// skipped kinds are too frequent to audit row-by-row; metrics cover them.
var skipped = map[auth.EventKind]bool{
	auth.EventTokenIssued: true,
}

// Recorder is an auth.EventSink that logs every event and persists the
// auditable ones to the repository.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil logger discards log output.
func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{repo: repo, logger: logger}
}

// Record implements auth.EventSink. Persistence failures are logged, never
// returned: auditing must not fail the auth operation.
func (r *Recorder) Record(ctx context.Context, e auth.Event) {
	r.log(ctx, e)

	if skipped[e.Kind] {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	entry := toAuditLog(e)
	if err := r.repo.Create(writeCtx, entry); err != nil {
		r.logger.ErrorContext(ctx, "writing audit log failed",
			"action", entry.Action,
			"user_id", entry.UserID,
			"error", err,
		)
	}
}

func (r *Recorder) log(ctx context.Context, e auth.Event) {
	args := []any{"event", string(e.Kind)}
	if e.OwnerID != "" {
		args = append(args, "owner_id", e.OwnerID)
	}
	if e.TokenID != "" {
		args = append(args, "token_id", e.TokenID)
	}
	if e.Username != "" {
		args = append(args, "username", e.Username)
	}
	if e.Reason != "" {
		args = append(args, "reason", e.Reason)
	}
	if e.Count != 0 {
		args = append(args, "count", e.Count)
	}
	if e.Err != nil {
		args = append(args, "error", e.Err)
	}

	r.logger.Log(ctx, levelFor(e.Kind), "auth event", args...)
}

func levelFor(kind auth.EventKind) slog.Level {
	switch kind {
	case auth.EventReuseDetected, auth.EventSweepFailed:
		return slog.LevelError
	case auth.EventLoginFailed, auth.EventRefreshRejected:
		return slog.LevelWarn
	case auth.EventTokenIssued, auth.EventTokenRotated:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// toAuditLog maps an event onto an audit row. Token events are keyed by
// token ID, account events by user ID.
func toAuditLog(e auth.Event) *AuditLog {
	entry := &AuditLog{
		Action:     string(e.Kind),
		EntityType: EntityRefreshToken,
		EntityID:   e.TokenID,
		UserID:     e.OwnerID,
		Source:     SourceCore,
		CreatedAt:  e.At,
	}

	switch e.Kind {
	case auth.EventLoginSucceeded, auth.EventLoginFailed, auth.EventLogout, auth.EventAccountStatus,
		auth.EventOwnerRevoked, auth.EventOwnerDeleted, auth.EventUserCreated:
		entry.EntityType = EntityUser
		entry.EntityID = e.OwnerID
	case auth.EventPurged:
		entry.EntityID = ""
	}

	details := map[string]any{}
	if e.Username != "" {
		details["username"] = e.Username
	}
	if e.Reason != "" {
		details["reason"] = e.Reason
	}
	if e.Count != 0 {
		details["count"] = e.Count
	}
	if e.Err != nil {
		details["error"] = e.Err.Error()
	}
	if len(details) > 0 {
		entry.Details = details
	}
	return entry
}
