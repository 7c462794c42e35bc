package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/syncerr"
)

// AuthToken is a short-lived, random bearer token issued by a responder
// after a successful challenge-response handshake, bound to the
// initiator's identity and source address. Grounded on the join-token
// manager pattern: a random hex token with an expiry, tracked in memory.
type AuthToken struct {
	Token      string
	NodeID     string
	SourceAddr string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// TokenManager issues and validates auth tokens.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*AuthToken
	ttl    time.Duration
}

// NewTokenManager creates a TokenManager. ttl must be <= 5 minutes per
// the authentication handshake contract; callers are expected to pass a
// value already clamped to that ceiling.
func NewTokenManager(ttl time.Duration) *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*AuthToken),
		ttl:    ttl,
	}
}

// Issue creates and stores a fresh auth token bound to nodeID/sourceAddr.
func (tm *TokenManager) Issue(nodeID, sourceAddr string) (*AuthToken, error) {
	raw := make([]byte, 32) // 256 bits, comfortably over the 128-bit floor
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate auth token: %w", err)
	}

	now := time.Now()
	token := &AuthToken{
		Token:      hex.EncodeToString(raw),
		NodeID:     nodeID,
		SourceAddr: sourceAddr,
		IssuedAt:   now,
		ExpiresAt:  now.Add(tm.ttl),
	}

	tm.mu.Lock()
	tm.tokens[token.Token] = token
	tm.mu.Unlock()

	return token, nil
}

// Validate checks that token exists, is unexpired, and matches the
// claimed nodeID and sourceAddr. It consumes the token on success: each
// auth token is single-use for session establishment.
func (tm *TokenManager) Validate(token, nodeID, sourceAddr string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	at, ok := tm.tokens[token]
	if !ok {
		return syncerr.ErrAuthFailed
	}
	delete(tm.tokens, token)

	if time.Now().After(at.ExpiresAt) {
		return syncerr.ErrAuthFailed
	}
	if at.NodeID != nodeID || at.SourceAddr != sourceAddr {
		return syncerr.ErrAuthFailed
	}
	return nil
}

// CleanupExpired drops tokens past expiry; intended to run on a ticker
// alongside the session sweep.
func (tm *TokenManager) CleanupExpired() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for tok, at := range tm.tokens {
		if now.After(at.ExpiresAt) {
			delete(tm.tokens, tok)
		}
	}
}

// Challenge is the initiator's first handshake message.
type Challenge struct {
	NodeID string
	Nonce  string
	Proof  string // H(registrationKey || nodeId || nonce)
}

// NewNonce generates a fresh random nonce, hex encoded.
func NewNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// ComputeProof computes H(registrationKey || nodeId || nonce), the
// keyed proof presented in a Challenge.
func ComputeProof(registrationKey, nodeID, nonce string) string {
	h := sha256.Sum256([]byte(registrationKey + nodeID + nonce))
	return hex.EncodeToString(h[:])
}

// VerifyProof recomputes the proof with each of candidateKeys (current
// and, during a rotation grace period, the previous registration key)
// and reports whether any match. Comparison is constant-time per key.
func VerifyProof(challenge Challenge, candidateKeys []string) bool {
	for _, key := range candidateKeys {
		expected := ComputeProof(key, challenge.NodeID, challenge.Nonce)
		if hmac.Equal([]byte(expected), []byte(challenge.Proof)) {
			return true
		}
	}
	return false
}

// HashRegistrationKey computes H(registrationKey || nodeId), the stable
// per-node hash stamped on every ChangeEvent's metadata and rechecked by
// the Sync Engine on apply to catch events forged under a stale or wrong
// registration key.
func HashRegistrationKey(registrationKey, nodeID string) string {
	h := sha256.Sum256([]byte(registrationKey + nodeID))
	return hex.EncodeToString(h[:])
}

// VerifyRegistrationKeyHash reports whether hash matches nodeID under any
// of candidateKeys (current and, during rotation grace, previous).
func VerifyRegistrationKeyHash(hash, nodeID string, candidateKeys []string) bool {
	for _, key := range candidateKeys {
		if hmac.Equal([]byte(HashRegistrationKey(key, nodeID)), []byte(hash)) {
			return true
		}
	}
	return false
}
