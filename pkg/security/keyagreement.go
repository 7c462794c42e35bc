package security

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GenerateEphemeralKeyPair creates a fresh X25519 key pair used for a
// single session-establishment exchange; neither half is persisted.
func GenerateEphemeralKeyPair() (pub, priv []byte, err error) {
	priv = make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral private key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	return pub, priv, nil
}

// DeriveSessionKey computes the shared X25519 secret between priv and
// peerPub and hashes it down to a 32-byte AES-256 session key.
func DeriveSessionKey(priv, peerPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	key := sha256.Sum256(shared)
	return key[:], nil
}
