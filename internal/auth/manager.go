package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lifecycle defaults applied when ManagerConfig leaves a field zero.
const (
	DefaultRefreshTTL       = 24 * time.Hour
	DefaultStoreTimeout     = 5 * time.Second
	DefaultGenerateAttempts = 5
)

// errOwnerRequired guards bulk operations against an empty owner filter,
// which would otherwise match every record in the store.
var errOwnerRequired = errors.New("owner id is required")

// ManagerConfig holds the lifecycle manager's tunables.
type ManagerConfig struct {
	// TTL is the lifetime of a newly created refresh token.
	TTL time.Duration

	// StoreTimeout bounds every individual store call.
	StoreTimeout time.Duration

	// GenerateAttempts bounds the collision-retry loop in CreateToken.
	GenerateAttempts int

	// ExtendOnRotate gives each successor a full TTL from the moment of
	// rotation. When false a successor inherits its predecessor's expiry,
	// so a rotation chain lives at most TTL after the login that began it.
	ExtendOnRotate bool
}

// ManagerDeps holds the collaborators of the lifecycle manager.
type ManagerDeps struct {
	Store     TokenStore
	Generator TokenGenerator // defaults to RandomGenerator
	Clock     Clock          // defaults to SystemClock
	Events    EventSink      // optional
}

// Manager owns every state transition of a TokenRecord.
//
// It keeps no mutable state of its own; all coordination happens through the
// store's conditional writes, so any number of managers may share one store.
//
// Thread Safety: All methods are safe for concurrent use.
type Manager struct {
	store  TokenStore
	gen    TokenGenerator
	clock  Clock
	events EventSink
	cfg    ManagerConfig
}

// NewManager creates a lifecycle manager.
func NewManager(deps ManagerDeps, cfg ManagerConfig) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if deps.Generator == nil {
		deps.Generator = RandomGenerator{}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRefreshTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.GenerateAttempts <= 0 {
		cfg.GenerateAttempts = DefaultGenerateAttempts
	}

	return &Manager{
		store:  deps.Store,
		gen:    deps.Generator,
		clock:  deps.Clock,
		events: deps.Events,
		cfg:    cfg,
	}, nil
}

// TTL returns the configured refresh-token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// CreateToken issues and persists a new refresh token for ownerID.
//
// A generated token that collides with an existing record is discarded and
// regenerated, up to GenerateAttempts times; past that the call fails with
// ErrGenerationExhausted.
func (m *Manager) CreateToken(ctx context.Context, ownerID string) (*TokenRecord, error) {
	return m.create(ctx, ownerID, time.Time{})
}

// create persists a new token expiring at expiresAt, or TTL from now when zero.
func (m *Manager) create(ctx context.Context, ownerID string, expiresAt time.Time) (*TokenRecord, error) {
	if ownerID == "" {
		return nil, errOwnerRequired
	}

	for range m.cfg.GenerateAttempts {
		raw, err := m.gen.Generate()
		if err != nil {
			return nil, fmt.Errorf("creating token: %w", err)
		}

		now := m.clock.Now()
		rec := &TokenRecord{
			ID:        "rt-" + uuid.NewString(),
			Token:     raw,
			TokenHash: HashToken(raw),
			OwnerID:   ownerID,
			IssuedAt:  now,
			ExpiresAt: expiresAt,
		}
		if expiresAt.IsZero() {
			rec.ExpiresAt = now.Add(m.cfg.TTL)
		}

		err = m.call(ctx, func(ctx context.Context) error {
			return m.store.Put(ctx, rec)
		})
		switch {
		case err == nil:
			m.events.Record(ctx, Event{Kind: EventTokenIssued, OwnerID: ownerID, TokenID: rec.ID, At: now})
			return rec, nil
		case errors.Is(err, ErrConflict):
			continue
		default:
			return nil, fmt.Errorf("creating token: %w", err)
		}
	}

	return nil, ErrGenerationExhausted
}

// FindByToken looks up the record for a presented raw token.
func (m *Manager) FindByToken(ctx context.Context, token string) (*TokenRecord, error) {
	if token == "" {
		return nil, ErrNotFound
	}

	var rec *TokenRecord
	err := m.call(ctx, func(ctx context.Context) error {
		var getErr error
		rec, getErr = m.store.Get(ctx, HashToken(token))
		return getErr
	})
	if err != nil {
		return nil, err
	}
	rec.Token = token
	return rec, nil
}

// VerifyNotExpired fails with ErrExpired when now >= rec.ExpiresAt.
// Expiry says nothing about revocation; an expired token may be unrevoked.
func (m *Manager) VerifyNotExpired(rec *TokenRecord) (*TokenRecord, error) {
	if !m.clock.Now().Before(rec.ExpiresAt) {
		return nil, ErrExpired
	}
	return rec, nil
}

// UseToken marks rec as rotated into successor with a conditional write.
//
// If the record is already revoked the call fails with ErrRevoked. If it was
// already used, the owner's usable tokens are revoked before the call fails
// with ErrAlreadyUsed: a legitimate client never presents a rotated token twice.
func (m *Manager) UseToken(ctx context.Context, rec *TokenRecord, successor string) (*TokenRecord, error) {
	if successor == "" {
		return nil, fmt.Errorf("using token: successor is required")
	}

	var updated *TokenRecord
	err := m.call(ctx, func(ctx context.Context) error {
		var cuErr error
		updated, cuErr = m.store.ConditionalUpdate(ctx, rec.ID,
			Guard{NotUsed: true, NotRevoked: true},
			Mutation{MarkUsed: true, ReplacedBy: HashToken(successor)},
		)
		return cuErr
	})
	if err == nil {
		updated.Token = rec.Token
		return updated, nil
	}
	if !errors.Is(err, ErrPreconditionFailed) {
		return nil, err
	}

	// Lost the guard: find out which flag was already set.
	current, err := m.reload(ctx, rec)
	if err != nil {
		return nil, err
	}
	if current.Revoked {
		return nil, ErrRevoked
	}
	m.sweepOwner(ctx, current)
	return nil, ErrAlreadyUsed
}

// RevokeToken denylists rec. Used tokens may still be revoked.
// Revoking an already-revoked token fails with ErrAlreadyRevoked and changes nothing.
func (m *Manager) RevokeToken(ctx context.Context, rec *TokenRecord, reason string) (*TokenRecord, error) {
	if reason == "" {
		reason = ReasonUserRevoked
	}

	var updated *TokenRecord
	err := m.call(ctx, func(ctx context.Context) error {
		var cuErr error
		updated, cuErr = m.store.ConditionalUpdate(ctx, rec.ID,
			Guard{NotRevoked: true},
			Mutation{Revoke: true, RevocationReason: reason},
		)
		return cuErr
	})
	if errors.Is(err, ErrPreconditionFailed) {
		return nil, ErrAlreadyRevoked
	}
	if err != nil {
		return nil, err
	}

	updated.Token = rec.Token
	m.events.Record(ctx, Event{Kind: EventTokenRevoked, OwnerID: rec.OwnerID, TokenID: rec.ID, Reason: reason, At: m.clock.Now()})
	return updated, nil
}

// RevokeAllForOwner revokes every not-yet-revoked token of ownerID and
// returns how many were revoked.
//
// A token created for the same owner while this runs may or may not be
// included; tokens revoked before the call are never counted.
func (m *Manager) RevokeAllForOwner(ctx context.Context, ownerID, reason string) (int64, error) {
	if ownerID == "" {
		return 0, errOwnerRequired
	}
	if reason == "" {
		reason = ReasonAdminRevoked
	}

	var count int64
	err := m.call(ctx, func(ctx context.Context) error {
		var revokeErr error
		count, revokeErr = m.store.RevokeWhere(ctx, Filter{OwnerID: ownerID}, reason)
		return revokeErr
	})
	if err != nil {
		return 0, fmt.Errorf("revoking tokens for owner: %w", err)
	}

	m.events.Record(ctx, Event{Kind: EventOwnerRevoked, OwnerID: ownerID, Reason: reason, Count: count, At: m.clock.Now()})
	return count, nil
}

// ListForOwner returns every stored token of ownerID, used and revoked
// ones included.
func (m *Manager) ListForOwner(ctx context.Context, ownerID string) ([]TokenRecord, error) {
	var records []TokenRecord
	err := m.call(ctx, func(ctx context.Context) error {
		var listErr error
		records, listErr = m.store.ListByOwner(ctx, ownerID)
		return listErr
	})
	if err != nil {
		return nil, fmt.Errorf("listing tokens for owner: %w", err)
	}
	return records, nil
}

// ListActiveForOwner returns a snapshot of the owner's currently usable tokens.
func (m *Manager) ListActiveForOwner(ctx context.Context, ownerID string) ([]TokenRecord, error) {
	records, err := m.ListForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	active := make([]TokenRecord, 0, len(records))
	for _, rec := range records {
		if rec.IsActive(now) {
			active = append(active, rec)
		}
	}
	return active, nil
}

// PurgeExpired deletes every record with ExpiresAt <= now, whatever its
// used/revoked state, and returns the count.
func (m *Manager) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := m.call(ctx, func(ctx context.Context) error {
		var deleteErr error
		count, deleteErr = m.store.DeleteWhere(ctx, Filter{ExpiresAtOrBefore: now})
		return deleteErr
	})
	if err != nil {
		return 0, fmt.Errorf("purging expired tokens: %w", err)
	}

	m.events.Record(ctx, Event{Kind: EventPurged, Count: count, At: now})
	return count, nil
}

// DeleteAllForOwner hard-deletes every record of ownerID. Unlike revocation
// this discards the audit history; it is meant for account deletion.
func (m *Manager) DeleteAllForOwner(ctx context.Context, ownerID string) (int64, error) {
	if ownerID == "" {
		return 0, errOwnerRequired
	}

	var count int64
	err := m.call(ctx, func(ctx context.Context) error {
		var deleteErr error
		count, deleteErr = m.store.DeleteWhere(ctx, Filter{OwnerID: ownerID})
		return deleteErr
	})
	if err != nil {
		return 0, fmt.Errorf("deleting tokens for owner: %w", err)
	}

	m.events.Record(ctx, Event{Kind: EventOwnerDeleted, OwnerID: ownerID, Count: count, At: m.clock.Now()})
	return count, nil
}

// Rotate exchanges a presented refresh token for a successor.
//
// The successor is persisted before the predecessor is marked used, so a
// failure between the two steps leaves the presented token valid and the
// client can retry. If marking fails, the orphaned successor is revoked.
func (m *Manager) Rotate(ctx context.Context, presented string) (*TokenRecord, error) {
	rec, err := m.FindByToken(ctx, presented)
	if err != nil {
		return nil, err
	}
	if _, err := m.VerifyNotExpired(rec); err != nil {
		return nil, err
	}
	if rec.Revoked {
		return nil, ErrRevoked
	}
	if rec.Used {
		m.sweepOwner(ctx, rec)
		return nil, ErrReused
	}

	deadline := rec.ExpiresAt
	if m.cfg.ExtendOnRotate {
		deadline = time.Time{}
	}
	successor, err := m.create(ctx, rec.OwnerID, deadline)
	if err != nil {
		return nil, err
	}

	if _, err := m.UseToken(ctx, rec, successor.Token); err != nil {
		m.abandon(ctx, successor)
		return nil, err
	}

	m.events.Record(ctx, Event{Kind: EventTokenRotated, OwnerID: rec.OwnerID, TokenID: rec.ID, At: m.clock.Now()})
	return successor, nil
}

// sweepOwner is the second phase of reuse detection: it revokes every token
// of the trigger's owner that is usable right now. Each failed revoke is
// reported on its own and the sweep carries on.
func (m *Manager) sweepOwner(ctx context.Context, trigger *TokenRecord) {
	// The caller is about to receive an error; the sweep still has to finish.
	ctx = context.WithoutCancel(ctx)

	var records []TokenRecord
	err := m.call(ctx, func(ctx context.Context) error {
		var listErr error
		records, listErr = m.store.ListByOwner(ctx, trigger.OwnerID)
		return listErr
	})
	if err != nil {
		m.events.Record(ctx, Event{Kind: EventSweepFailed, OwnerID: trigger.OwnerID, TokenID: trigger.ID, Err: err, At: m.clock.Now()})
		return
	}

	now := m.clock.Now()
	var revoked int64
	for i := range records {
		rec := &records[i]
		if !rec.IsActive(now) {
			continue
		}
		err := m.call(ctx, func(ctx context.Context) error {
			_, cuErr := m.store.ConditionalUpdate(ctx, rec.ID,
				Guard{NotRevoked: true},
				Mutation{Revoke: true, RevocationReason: ReasonReuseDetected},
			)
			return cuErr
		})
		switch {
		case err == nil:
			revoked++
		case errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrNotFound):
			// Revoked or purged concurrently; nothing left to do.
		default:
			m.events.Record(ctx, Event{Kind: EventSweepFailed, OwnerID: rec.OwnerID, TokenID: rec.ID, Err: err, At: now})
		}
	}

	m.events.Record(ctx, Event{
		Kind:    EventReuseDetected,
		OwnerID: trigger.OwnerID,
		TokenID: trigger.ID,
		Reason:  ReasonReuseDetected,
		Count:   revoked,
		At:      now,
	})
}

// abandon revokes a successor whose predecessor could not be marked used.
func (m *Manager) abandon(ctx context.Context, successor *TokenRecord) {
	ctx = context.WithoutCancel(ctx)
	if _, err := m.RevokeToken(ctx, successor, ReasonRotationAbandoned); err != nil && !errors.Is(err, ErrAlreadyRevoked) {
		m.events.Record(ctx, Event{Kind: EventSweepFailed, OwnerID: successor.OwnerID, TokenID: successor.ID, Err: err, At: m.clock.Now()})
	}
}

// reload fetches the current state of rec from the store.
func (m *Manager) reload(ctx context.Context, rec *TokenRecord) (*TokenRecord, error) {
	var current *TokenRecord
	err := m.call(ctx, func(ctx context.Context) error {
		var getErr error
		current, getErr = m.store.Get(ctx, rec.TokenHash)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	current.Token = rec.Token
	return current, nil
}

// call runs one store operation under the configured timeout. A timeout or
// cancellation surfaces as ErrStoreUnavailable.
func (m *Manager) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return storeUnavailable(err)
	}
	return err
}
