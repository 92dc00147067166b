// Package authtoken mints and validates the opaque bearer tokens local
// agents present to POST /agents/register (spec.md §6), a separate
// interface from the upstream user authentication the broker treats as
// an external collaborator.
package authtoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/trilogy-group/scintilla-sub000/internal/store"
)

// tokenPrefix is the scheme prefix every minted token carries, so a
// token is recognizable at a glance and distinguishable from other
// bearer schemes a deployment might also accept upstream.
const tokenPrefix = "scat_"

// secretBytes produces a 64-hex-char secret (32 random bytes) per
// spec.md §6's user_agent_tokens hash convention.
const secretBytes = 32

// ErrInvalidToken is returned by Validate for a malformed, unknown,
// revoked, or expired token.
var ErrInvalidToken = errors.New("authtoken: invalid token")

// Store is the subset of *store.Store this package needs.
type Store interface {
	CreateAgentToken(ctx context.Context, tokenID, userID, tokenHash, tokenPrefix, name string, expiresAt *time.Time) error
	FindAgentTokenByHash(ctx context.Context, tokenHash string) (store.AgentTokenRecord, bool, error)
	TouchAgentToken(ctx context.Context, tokenID string) error
}

// Minted is a newly created token: Plaintext is shown to the caller
// exactly once and never persisted.
type Minted struct {
	TokenID   string
	Plaintext string
}

// Mint generates a new token for userID, persists its hash, and returns
// the plaintext secret for one-time display.
func Mint(ctx context.Context, s Store, tokenID, userID, name string, expiresAt *time.Time) (Minted, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return Minted{}, fmt.Errorf("authtoken: generate secret: %w", err)
	}
	plaintext := tokenPrefix + hex.EncodeToString(secret)

	hash := hashToken(plaintext)
	if err := s.CreateAgentToken(ctx, tokenID, userID, hash, tokenPrefix, name, expiresAt); err != nil {
		return Minted{}, fmt.Errorf("authtoken: persist token: %w", err)
	}
	return Minted{TokenID: tokenID, Plaintext: plaintext}, nil
}

// Validate checks a bearer token presented by a caller and returns the
// user id it was minted for. It rejects tokens that don't carry the
// scat_ prefix without a storage round trip.
func Validate(ctx context.Context, s Store, presented string) (userID string, err error) {
	if len(presented) <= len(tokenPrefix) || presented[:len(tokenPrefix)] != tokenPrefix {
		return "", ErrInvalidToken
	}
	hash := hashToken(presented)
	rec, ok, err := s.FindAgentTokenByHash(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("authtoken: validate: %w", err)
	}
	if !ok {
		return "", ErrInvalidToken
	}
	if err := s.TouchAgentToken(ctx, rec.TokenID); err != nil {
		return "", fmt.Errorf("authtoken: touch: %w", err)
	}
	return rec.UserID, nil
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
