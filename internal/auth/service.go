package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TokenTypeBearer is the token_type of every issued session.
const TokenTypeBearer = "Bearer"

// LogoutPolicy selects what logout does to the user's refresh tokens.
type LogoutPolicy string

const (
	// LogoutRevoke revokes the tokens and keeps them for auditing.
	LogoutRevoke LogoutPolicy = "revoke"

	// LogoutDelete hard-deletes the tokens.
	LogoutDelete LogoutPolicy = "delete"
)

// ParseLogoutPolicy validates a configured policy. Empty means LogoutRevoke.
func ParseLogoutPolicy(s string) (LogoutPolicy, error) {
	switch p := LogoutPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return LogoutRevoke, nil
	case LogoutRevoke, LogoutDelete:
		return p, nil
	default:
		return "", fmt.Errorf("unknown logout policy %q", s)
	}
}

// IdentityResolver loads the current identity of an account.
type IdentityResolver interface {
	Identity(ctx context.Context, userID string) (Identity, error)
}

// Session is the credential pair handed to a client after login or refresh.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime in seconds
	Identity
}

// ServiceDeps holds the collaborators of the authentication flow.
type ServiceDeps struct {
	Manager     *Manager
	Signer      *Signer
	Credentials CredentialVerifier
	Identities  IdentityResolver
	Clock       Clock     // defaults to SystemClock
	Events      EventSink // optional
}

// Service is the authentication flow: it verifies credentials, drives the
// lifecycle manager and the signer, and assembles sessions.
type Service struct {
	manager     *Manager
	signer      *Signer
	credentials CredentialVerifier
	identities  IdentityResolver
	clock       Clock
	events      EventSink
	logout      LogoutPolicy
}

// NewService creates the authentication flow.
func NewService(deps ServiceDeps, logout LogoutPolicy) (*Service, error) {
	if deps.Manager == nil || deps.Signer == nil {
		return nil, fmt.Errorf("manager and signer are required")
	}
	if deps.Credentials == nil || deps.Identities == nil {
		return nil, fmt.Errorf("credential verifier and identity resolver are required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	if logout == "" {
		logout = LogoutRevoke
	}

	return &Service{
		manager:     deps.Manager,
		signer:      deps.Signer,
		credentials: deps.Credentials,
		identities:  deps.Identities,
		clock:       deps.Clock,
		events:      deps.Events,
		logout:      logout,
	}, nil
}

// Login verifies a username/password pair and opens a session.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	id, err := s.credentials.Verify(ctx, username, password)
	if err != nil {
		s.events.Record(ctx, Event{Kind: EventLoginFailed, Username: username, Err: err, At: s.clock.Now()})
		return nil, err
	}

	session, err := s.Authenticate(ctx, id)
	if err != nil {
		return nil, err
	}

	s.events.Record(ctx, Event{Kind: EventLoginSucceeded, OwnerID: id.UserID, Username: id.Username, At: s.clock.Now()})
	return session, nil
}

// Authenticate opens a session for an already-verified identity.
func (s *Service) Authenticate(ctx context.Context, id Identity) (*Session, error) {
	rec, err := s.manager.CreateToken(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	return s.session(id, rec)
}

// Refresh rotates a refresh token and signs a new access token.
//
// Any failure means the client must log in again. If the account was
// disabled or removed since the session began, the new refresh token is
// revoked before the error is returned.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	successor, err := s.manager.Rotate(ctx, refreshToken)
	if err != nil {
		s.events.Record(ctx, Event{Kind: EventRefreshRejected, Err: err, At: s.clock.Now()})
		return nil, err
	}

	id, err := s.identities.Identity(ctx, successor.OwnerID)
	if err != nil {
		s.discard(ctx, successor, ReasonAccountDeactivated)
		if errors.Is(err, ErrUserNotFound) {
			err = ErrAccountDeactivated
		}
		s.events.Record(ctx, Event{Kind: EventRefreshRejected, OwnerID: successor.OwnerID, Err: err, At: s.clock.Now()})
		return nil, err
	}

	return s.session(id, successor)
}

// Revoke denylists a refresh token.
func (s *Service) Revoke(ctx context.Context, refreshToken, reason string) error {
	rec, err := s.manager.FindByToken(ctx, refreshToken)
	if err != nil {
		return err
	}
	_, err = s.manager.RevokeToken(ctx, rec, reason)
	return err
}

// RevokeOwned denylists a refresh token only if it belongs to ownerID.
// A token owned by someone else reports ErrNotFound.
func (s *Service) RevokeOwned(ctx context.Context, ownerID, refreshToken, reason string) error {
	rec, err := s.manager.FindByToken(ctx, refreshToken)
	if err != nil {
		return err
	}
	if rec.OwnerID != ownerID {
		return ErrNotFound
	}
	_, err = s.manager.RevokeToken(ctx, rec, reason)
	return err
}

// RevokeAllForUser revokes every not-yet-revoked token of ownerID.
func (s *Service) RevokeAllForUser(ctx context.Context, ownerID, reason string) (int64, error) {
	return s.manager.RevokeAllForOwner(ctx, ownerID, reason)
}

// Logout ends every session of ownerID according to the logout policy.
func (s *Service) Logout(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	var err error
	switch s.logout {
	case LogoutDelete:
		count, err = s.manager.DeleteAllForOwner(ctx, ownerID)
	default:
		count, err = s.manager.RevokeAllForOwner(ctx, ownerID, ReasonLogout)
	}
	if err != nil {
		return 0, fmt.Errorf("logging out: %w", err)
	}

	s.events.Record(ctx, Event{Kind: EventLogout, OwnerID: ownerID, Reason: string(s.logout), Count: count, At: s.clock.Now()})
	return count, nil
}

// Purge deletes every expired refresh token.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	return s.manager.PurgeExpired(ctx, s.clock.Now())
}

// Sessions returns the owner's currently usable refresh tokens.
func (s *Service) Sessions(ctx context.Context, ownerID string) ([]TokenRecord, error) {
	return s.manager.ListActiveForOwner(ctx, ownerID)
}

// VerifyAccess validates an access token and reloads the account it names.
// A removed or disabled account reports ErrAccountDeactivated even while the
// token is unexpired, and the returned identity carries the current role.
func (s *Service) VerifyAccess(ctx context.Context, accessToken string) (Identity, error) {
	claims, err := s.signer.Verify(accessToken)
	if err != nil {
		return Identity{}, err
	}

	id, err := s.identities.Identity(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			err = ErrAccountDeactivated
		}
		return Identity{}, err
	}
	return id, nil
}

func (s *Service) session(id Identity, rec *TokenRecord) (*Session, error) {
	access, _, err := s.signer.Sign(id)
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken:  access,
		RefreshToken: rec.Token,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.signer.TTL().Seconds()),
		Identity:     id,
	}, nil
}

// discard revokes a freshly issued token that will not reach the client.
func (s *Service) discard(ctx context.Context, rec *TokenRecord, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.manager.RevokeToken(ctx, rec, reason); err != nil && !errors.Is(err, ErrAlreadyRevoked) {
		s.events.Record(ctx, Event{Kind: EventSweepFailed, OwnerID: rec.OwnerID, TokenID: rec.ID, Err: err, At: s.clock.Now()})
	}
}
