package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultAccessTTL is the access-token lifetime when none is configured.
const DefaultAccessTTL = 15 * time.Minute

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Roles    []Role `json:"roles"`
}

// Identity rebuilds the principal carried by the claims.
func (c *AccessClaims) Identity() Identity {
	return Identity{
		UserID:   c.Subject,
		Username: c.Username,
		Email:    c.Email,
		Roles:    c.Roles,
	}
}

// Signer issues and verifies HS256 access tokens.
// Access tokens are validated by signature and expiry only (no store hit).
type Signer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	clock  Clock
}

// NewSigner creates a signer. A zero ttl uses DefaultAccessTTL and a nil clock uses SystemClock.
func NewSigner(secret, issuer string, ttl time.Duration, clock Clock) *Signer {
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Signer{secret: []byte(secret), ttl: ttl, issuer: issuer, clock: clock}
}

// TTL returns the access-token lifetime.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Sign creates a signed access token for id and returns it with its expiry.
func (s *Signer) Sign(id Identity) (string, time.Time, error) {
	now := s.clock.Now()
	expiresAt := now.Add(s.ttl)

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Username: id.Username,
		Email:    id.Email,
		Roles:    id.Roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify validates an access token and returns its claims.
// It checks the signature, the algorithm, expiry, and the required fields.
func (s *Signer) Verify(tokenString string) (*AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAccessTokenInvalid, err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, ErrAccessTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrAccessTokenInvalid)
	}
	if len(claims.Roles) == 0 {
		return nil, fmt.Errorf("%w: missing roles", ErrAccessTokenInvalid)
	}

	return claims, nil
}
