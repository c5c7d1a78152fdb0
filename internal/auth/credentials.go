package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// CredentialVerifier checks a username/password pair.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) (Identity, error)
}

// UserCredentials verifies passwords against the user repository.
type UserCredentials struct {
	users UserRepository

	dummyOnce sync.Once
	dummyHash string
}

// NewUserCredentials creates a verifier backed by users.
func NewUserCredentials(users UserRepository) *UserCredentials {
	return &UserCredentials{users: users}
}

// Verify returns the identity for a valid pair. Unknown users and wrong
// passwords both yield ErrInvalidCredentials; a disabled account yields
// ErrAccountDeactivated only after the password matched.
func (c *UserCredentials) Verify(ctx context.Context, username, password string) (Identity, error) {
	user, err := c.users.GetByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		// Spend the same hashing time as a real check.
		_, _ = VerifyPassword(password, c.dummy()) //nolint:errcheck // result discarded
		return Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return Identity{}, fmt.Errorf("looking up user: %w", err)
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return Identity{}, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return Identity{}, ErrAccountDeactivated
	}

	return IdentityFromUser(user), nil
}

// Identity loads the current identity for userID, failing if the account
// was removed or disabled since the session began.
func (c *UserCredentials) Identity(ctx context.Context, userID string) (Identity, error) {
	user, err := c.users.GetByID(ctx, userID)
	if err != nil {
		return Identity{}, err
	}
	if !user.IsActive {
		return Identity{}, ErrAccountDeactivated
	}
	return IdentityFromUser(user), nil
}

func (c *UserCredentials) dummy() string {
	c.dummyOnce.Do(func() {
		c.dummyHash, _ = HashPassword("smarttrash-dummy-password") //nolint:errcheck // empty hash just fails verification
	})
	return c.dummyHash
}
