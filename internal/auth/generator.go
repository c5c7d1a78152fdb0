package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// refreshTokenBytes is the entropy of a generated refresh token (256-bit).
const refreshTokenBytes = 32

// TokenGenerator produces opaque, unguessable token strings.
type TokenGenerator interface {
	Generate() (string, error)
}

// RandomGenerator draws tokens from crypto/rand and hex-encodes them.
type RandomGenerator struct{}

// Generate returns a new 64-character hex token.
func (RandomGenerator) Generate() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the SHA-256 hex digest of a raw token.
// Stores index records by this value; the raw token never reaches storage.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
