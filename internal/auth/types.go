package auth

import (
	"errors"
	"regexp"
	"time"
)

// usernamePattern defines the valid format for usernames:
// alphanumeric, dots, hyphens, underscores, 3-50 characters.
// Sensor nodes publish under their owner's username, so it must be topic-safe.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,50}$`)

// IsValidUsername checks if a username meets format requirements.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Role represents an authorisation tier carried in access tokens.
// Mapping roles to permissions is the caller's concern.
type Role string

const (
	// RoleUser is an operator who owns one or more sensor nodes.
	RoleUser Role = "user"

	// RoleAdmin manages user accounts and can mass-revoke sessions.
	RoleAdmin Role = "admin"
)

// IsValidRole returns true if the role can be assigned to an account.
func IsValidRole(r Role) bool {
	return r == RoleUser || r == RoleAdmin
}

// User represents an account stored in the users table.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"` // never serialised
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Identity is a verified principal. It is what the credential verifier
// returns and what the access-token signer embeds in its claims.
type Identity struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Roles    []Role `json:"roles"`
}

// HasRole reports whether the identity carries the given role.
func (i Identity) HasRole(r Role) bool {
	for _, have := range i.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// IdentityFromUser builds the identity for an account.
func IdentityFromUser(u *User) Identity {
	return Identity{
		UserID:   u.ID,
		Username: u.Username,
		Email:    u.Email,
		Roles:    []Role{u.Role},
	}
}

// TokenRecord is one issued refresh credential.
//
// Token holds the raw secret only when it is known to this process (right
// after creation, or when the caller presented it). Stores persist TokenHash.
// ReplacedBy is the hash of the successor token.
type TokenRecord struct {
	ID               string    `json:"id"`
	Token            string    `json:"-"` // never serialised
	TokenHash        string    `json:"-"` // never serialised
	OwnerID          string    `json:"owner_id"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Used             bool      `json:"used"`
	Revoked          bool      `json:"revoked"`
	RevocationReason string    `json:"revocation_reason,omitempty"`
	ReplacedBy       string    `json:"-"`
}

// IsActive reports whether the record can still be exchanged at now.
func (r *TokenRecord) IsActive(now time.Time) bool {
	return !r.Used && !r.Revoked && now.Before(r.ExpiresAt)
}

// Revocation reasons written by the lifecycle manager and flows.
const (
	ReasonReuseDetected      = "reuse detected"
	ReasonUserRevoked        = "Manually revoked by user"
	ReasonLogout             = "User logout"
	ReasonAccountDeactivated = "account deactivated"
	ReasonAdminRevoked       = "revoked by administrator"
	ReasonRotationAbandoned  = "rotation abandoned"
)

// Domain errors for the auth package.
// Use errors.Is() to check for these in calling code.
var (
	// ErrNotFound is returned when a presented refresh token is unknown.
	ErrNotFound = errors.New("refresh token not found")

	// ErrExpired is returned when a refresh token is at or past its expiry.
	// Callers must force a fresh login.
	ErrExpired = errors.New("refresh token expired")

	// ErrRevoked is returned when a refresh token was explicitly invalidated.
	ErrRevoked = errors.New("refresh token revoked")

	// ErrReused is returned when an already-rotated token is presented again.
	// The owner's active tokens have been revoked by the time it is returned.
	ErrReused = errors.New("refresh token reuse detected")

	// ErrAlreadyUsed is returned by a direct use of a token that was already rotated.
	ErrAlreadyUsed = errors.New("refresh token already used")

	// ErrAlreadyRevoked is returned when revoking a token that is already revoked.
	ErrAlreadyRevoked = errors.New("refresh token already revoked")

	// ErrStoreUnavailable wraps any infrastructure failure of the token store,
	// including call timeouts.
	ErrStoreUnavailable = errors.New("token store unavailable")

	// ErrGenerationExhausted is returned when the generator keeps colliding
	// with existing tokens beyond the retry budget.
	ErrGenerationExhausted = errors.New("token generation retries exhausted")

	// ErrConflict is returned by a store when a record's token or id already exists.
	ErrConflict = errors.New("token record conflict")

	// ErrPreconditionFailed is returned by a store when a conditional write's guard no longer holds.
	ErrPreconditionFailed = errors.New("token record precondition failed")

	// ErrInvalidCredentials is returned for a bad username/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountDeactivated is returned when the account exists but is disabled.
	ErrAccountDeactivated = errors.New("account deactivated")

	// ErrUserNotFound is returned when a user account lookup fails.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidUser is returned when new account details fail validation.
	ErrInvalidUser = errors.New("invalid user")

	// ErrUsernameExists is returned when creating a user with a duplicate username.
	ErrUsernameExists = errors.New("username already exists")

	// ErrProtectedAccount is returned when deleting an administrator account.
	ErrProtectedAccount = errors.New("administrator accounts cannot be deleted")

	// ErrAccessTokenInvalid is returned when an access token fails verification.
	ErrAccessTokenInvalid = errors.New("access token invalid")
)
