package clockid

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/warren/pkg/types"
)

// IdentityStore is the durable home for the node's identity row, backed
// by the shared relational store (sync_nodes).
type IdentityStore interface {
	LoadIdentity() (*types.NodeIdentity, error)
	SaveIdentity(identity *types.NodeIdentity) error
}

// ErrNoIdentity is returned by IdentityStore.LoadIdentity when no
// identity row exists yet.
var ErrNoIdentity = fmt.Errorf("no persisted node identity")

// LoadOrCreateIdentity loads the node's identity, generating and
// persisting a new one on first start. The identity is immutable
// thereafter: subsequent calls always return the persisted value.
func LoadOrCreateIdentity(store IdentityStore, nodeName, host string, port int, registrationKey string, generateKeyPair bool) (*types.NodeIdentity, error) {
	existing, err := store.LoadIdentity()
	if err == nil {
		return existing, nil
	}
	if err != ErrNoIdentity {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	nodeID := uuid.New().String()
	identity := &types.NodeIdentity{
		NodeID:              nodeID,
		NodeName:            nodeName,
		Host:                host,
		Port:                port,
		RegistrationKeyHash: HashRegistrationKey(registrationKey, nodeID),
		Capabilities:        types.DefaultCapabilities(),
	}
	identity.Capabilities.Signatures = generateKeyPair

	if generateKeyPair {
		pub, priv, err := GenerateSigningKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate signing key pair: %w", err)
		}
		identity.PublicKey = pub
		// Callers are expected to encrypt priv before persisting via
		// pkg/security; here we stash it unencrypted in-process only if
		// the store itself performs encryption at rest.
		identity.PrivateKeyEncrypted = priv
	}

	if err := store.SaveIdentity(identity); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return identity, nil
}

// HashRegistrationKey computes H(registrationKey || nodeId), the
// shared-secret proof used throughout the authentication handshake and
// event provenance checks.
func HashRegistrationKey(registrationKey, nodeID string) string {
	sum := sha256.Sum256([]byte(registrationKey + nodeID))
	return hex.EncodeToString(sum[:])
}

// GenerateSigningKeyPair creates a fresh Ed25519 key pair for event
// signatures, generated once at identity initialization and persisted
// alongside the node record (the private half encrypted at rest by the
// caller).
func GenerateSigningKeyPair() (pub, priv []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing key pair: %w", err)
	}
	return pubKey, privKey, nil
}

// SignEventID signs an event id with the node's Ed25519 private key.
// Returns nil if priv is not a well-formed private key.
func SignEventID(priv []byte, eventID string) []byte {
	if len(priv) != ed25519.PrivateKeySize {
		return nil
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), []byte(eventID))
}

// VerifyEventSignature reports whether sig is a valid signature over
// eventID under the source node's Ed25519 public key.
func VerifyEventSignature(pub []byte, eventID string, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(eventID), sig)
}
