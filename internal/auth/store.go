package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TokenStore is durable keyed storage for refresh-token records.
//
// Implementations must make ConditionalUpdate atomic: the guard is evaluated
// and the mutation applied as one step, so two concurrent rotations of the
// same record cannot both succeed. Infrastructure failures are reported
// wrapped in ErrStoreUnavailable.
type TokenStore interface {
	// Get returns the record whose token hashes to tokenHash, or ErrNotFound.
	Get(ctx context.Context, tokenHash string) (*TokenRecord, error)

	// Put inserts a new record. It returns ErrConflict if the id or token hash exists.
	Put(ctx context.Context, rec *TokenRecord) error

	// ConditionalUpdate applies m to record id only if g still holds.
	// It returns the updated record, ErrPreconditionFailed, or ErrNotFound.
	ConditionalUpdate(ctx context.Context, id string, g Guard, m Mutation) (*TokenRecord, error)

	// ListByOwner returns a snapshot of every record belonging to ownerID.
	ListByOwner(ctx context.Context, ownerID string) ([]TokenRecord, error)

	// RevokeWhere revokes every not-yet-revoked record matching f and returns
	// how many records changed.
	RevokeWhere(ctx context.Context, f Filter, reason string) (int64, error)

	// DeleteWhere removes every record matching f and returns the count.
	DeleteWhere(ctx context.Context, f Filter) (int64, error)
}

// Guard is the precondition of a conditional write.
type Guard struct {
	NotUsed    bool
	NotRevoked bool
}

// Holds reports whether rec satisfies the guard.
func (g Guard) Holds(rec *TokenRecord) bool {
	if g.NotUsed && rec.Used {
		return false
	}
	if g.NotRevoked && rec.Revoked {
		return false
	}
	return true
}

// Mutation describes the monotone transitions a conditional write may apply.
// Flags are only ever set, never cleared.
type Mutation struct {
	MarkUsed         bool
	ReplacedBy       string
	Revoke           bool
	RevocationReason string
}

// Apply sets the mutation's fields on rec.
func (m Mutation) Apply(rec *TokenRecord) {
	if m.MarkUsed {
		rec.Used = true
		rec.ReplacedBy = m.ReplacedBy
	}
	if m.Revoke {
		rec.Revoked = true
		rec.RevocationReason = m.RevocationReason
	}
}

// Filter selects records for bulk revocation or deletion.
// Zero-valued fields do not constrain the match.
type Filter struct {
	// OwnerID restricts the match to one owner.
	OwnerID string

	// ActiveAt restricts the match to records usable at this instant.
	ActiveAt time.Time

	// ExpiresAtOrBefore restricts the match to records with ExpiresAt <= this instant.
	ExpiresAtOrBefore time.Time
}

// Matches reports whether rec is selected by the filter.
func (f Filter) Matches(rec *TokenRecord) bool {
	if f.OwnerID != "" && rec.OwnerID != f.OwnerID {
		return false
	}
	if !f.ActiveAt.IsZero() && !rec.IsActive(f.ActiveAt) {
		return false
	}
	if !f.ExpiresAtOrBefore.IsZero() && rec.ExpiresAt.After(f.ExpiresAtOrBefore) {
		return false
	}
	return true
}

// storeUnavailable wraps an infrastructure error so it matches ErrStoreUnavailable
// while keeping the cause inspectable.
func storeUnavailable(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
