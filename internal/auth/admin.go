package auth

import (
	"context"
	"fmt"
)

// Admin is the user-management flow for administrators.
type Admin struct {
	users     UserRepository
	manager   *Manager
	clock     Clock
	events    EventSink
	passwords PasswordParams
}

// NewUser is the input for CreateUser.
type NewUser struct {
	Username string
	Email    string
	Password string
	Role     Role
}

// MinPasswordLength is the shortest password CreateUser accepts.
const MinPasswordLength = 8

// NewAdmin creates the admin flow. events may be nil.
func NewAdmin(users UserRepository, manager *Manager, clock Clock, events EventSink) *Admin {
	if clock == nil {
		clock = SystemClock{}
	}
	if events == nil {
		events = nopSink{}
	}
	return &Admin{users: users, manager: manager, clock: clock, events: events, passwords: DefaultPasswordParams}
}

// SetPasswordParams changes the Argon2id cost used for new accounts.
func (a *Admin) SetPasswordParams(p PasswordParams) {
	a.passwords = p
}

// CreateUser validates and stores a new active account. An empty role means RoleUser.
func (a *Admin) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	if in.Role == "" {
		in.Role = RoleUser
	}
	if !IsValidUsername(in.Username) {
		return nil, fmt.Errorf("%w: username must be 3-50 letters, digits, dots, hyphens or underscores", ErrInvalidUser)
	}
	if len(in.Password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidUser, MinPasswordLength)
	}
	if !IsValidRole(in.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidUser, in.Role)
	}

	hash, err := a.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         in.Role,
		IsActive:     true,
	}
	if err := a.users.Create(ctx, user); err != nil {
		return nil, err
	}

	a.events.Record(ctx, Event{Kind: EventUserCreated, OwnerID: user.ID, Username: user.Username, Reason: string(user.Role), At: a.clock.Now()})
	return user, nil
}

// GetUser returns one account.
func (a *Admin) GetUser(ctx context.Context, userID string) (*User, error) {
	return a.users.GetByID(ctx, userID)
}

// ListUsers returns every account.
func (a *Admin) ListUsers(ctx context.Context) ([]User, error) {
	return a.users.List(ctx)
}

// SetActive enables or disables an account. Disabling also revokes every
// refresh token of the account; the returned count is how many were revoked.
func (a *Admin) SetActive(ctx context.Context, userID string, active bool) (int64, error) {
	if err := a.users.SetActive(ctx, userID, active); err != nil {
		return 0, err
	}

	reason := "account activated"
	var revoked int64
	if !active {
		reason = ReasonAccountDeactivated
		var err error
		revoked, err = a.manager.RevokeAllForOwner(ctx, userID, ReasonAccountDeactivated)
		if err != nil {
			return 0, fmt.Errorf("revoking sessions of deactivated user: %w", err)
		}
	}

	a.events.Record(ctx, Event{Kind: EventAccountStatus, OwnerID: userID, Reason: reason, Count: revoked, At: a.clock.Now()})
	return revoked, nil
}

// ListTokens returns the stored refresh tokens of userID, or of every
// account when userID is empty. Used and revoked tokens are included until
// they are purged.
func (a *Admin) ListTokens(ctx context.Context, userID string) ([]TokenRecord, error) {
	if userID != "" {
		if _, err := a.users.GetByID(ctx, userID); err != nil {
			return nil, err
		}
		return a.manager.ListForOwner(ctx, userID)
	}

	users, err := a.users.List(ctx)
	if err != nil {
		return nil, err
	}
	var all []TokenRecord
	for _, u := range users {
		recs, err := a.manager.ListForOwner(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// DeleteUser removes a non-admin account and hard-deletes its tokens.
// The account row goes first so no login can mint a token between the
// two deletes.
func (a *Admin) DeleteUser(ctx context.Context, userID string) error {
	user, err := a.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Role == RoleAdmin {
		return ErrProtectedAccount
	}

	if err := a.users.Delete(ctx, userID); err != nil {
		return err
	}
	if _, err := a.manager.DeleteAllForOwner(ctx, userID); err != nil {
		return fmt.Errorf("deleting tokens of user: %w", err)
	}
	return nil
}
