package security

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

type fakeAuditSink struct {
	entries []*types.AuditEntry
}

func (f *fakeAuditSink) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeSessionStore struct {
	sessions map[string]*types.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*types.Session)}
}

func (f *fakeSessionStore) SaveSession(ctx context.Context, session *types.Session) error {
	f.sessions[session.SessionID] = session
	return nil
}

func TestHandshakeSucceedsWithMatchingRegistrationKey(t *testing.T) {
	audit := &fakeAuditSink{}
	sess := newFakeSessionStore()
	responder := NewManager(Config{NodeID: "node-b", RegistrationKey: "shared-secret"}, audit, sess)

	initiator := NewManager(Config{NodeID: "node-a", RegistrationKey: "shared-secret"}, &fakeAuditSink{}, newFakeSessionStore())
	challenge, err := initiator.BeginChallenge()
	if err != nil {
		t.Fatalf("begin challenge: %v", err)
	}

	token, err := responder.HandleChallenge(context.Background(), challenge, "10.0.0.1:9000")
	if err != nil {
		t.Fatalf("handle challenge: %v", err)
	}

	peerPub, _, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("ephemeral key pair: %v", err)
	}

	session, ourPub, err := responder.EstablishSession(context.Background(), token.Token, "node-a", "10.0.0.1:9000", peerPub)
	if err != nil {
		t.Fatalf("establish session: %v", err)
	}
	if len(session.SymmetricKey) != 32 {
		t.Fatalf("expected 32-byte session key, got %d", len(session.SymmetricKey))
	}
	if len(ourPub) == 0 {
		t.Fatal("expected a non-empty ephemeral public key")
	}
}

func TestHandshakeFailsWithMismatchedRegistrationKey(t *testing.T) {
	audit := &fakeAuditSink{}
	responder := NewManager(Config{NodeID: "node-b", RegistrationKey: "correct-secret"}, audit, newFakeSessionStore())
	initiator := NewManager(Config{NodeID: "node-a", RegistrationKey: "wrong-secret"}, &fakeAuditSink{}, newFakeSessionStore())

	challenge, err := initiator.BeginChallenge()
	if err != nil {
		t.Fatalf("begin challenge: %v", err)
	}

	if _, err := responder.HandleChallenge(context.Background(), challenge, "10.0.0.1:9000"); err == nil {
		t.Fatal("expected authentication to fail")
	}

	foundFailure := false
	for _, e := range audit.entries {
		if e.Type == types.AuditAuthFailure {
			foundFailure = true
		}
	}
	if !foundFailure {
		t.Fatal("expected an AUTH_FAILURE audit entry")
	}
}

func TestRateLimiterBlocksAfterMaxFailedAttempts(t *testing.T) {
	audit := &fakeAuditSink{}
	responder := NewManager(Config{NodeID: "node-b", RegistrationKey: "correct-secret", MaxFailedAttempts: 2}, audit, newFakeSessionStore())
	badInitiator := NewManager(Config{NodeID: "node-a", RegistrationKey: "wrong-secret"}, &fakeAuditSink{}, newFakeSessionStore())

	for i := 0; i < 2; i++ {
		challenge, err := badInitiator.BeginChallenge()
		if err != nil {
			t.Fatalf("begin challenge: %v", err)
		}
		if _, err := responder.HandleChallenge(context.Background(), challenge, "10.0.0.9:1"); err == nil {
			t.Fatal("expected failure for wrong key")
		}
	}

	goodInitiator := NewManager(Config{NodeID: "node-c", RegistrationKey: "correct-secret"}, &fakeAuditSink{}, newFakeSessionStore())
	challenge, err := goodInitiator.BeginChallenge()
	if err != nil {
		t.Fatalf("begin challenge: %v", err)
	}
	_, err = responder.HandleChallenge(context.Background(), challenge, "10.0.0.9:1")
	if err == nil {
		t.Fatal("expected source address to be blocked after max failed attempts, even with a correct key")
	}
}

func TestRotateKeyAllowsOldKeyDuringGrace(t *testing.T) {
	audit := &fakeAuditSink{}
	responder := NewManager(Config{NodeID: "node-b", RegistrationKey: "old-secret"}, audit, newFakeSessionStore())

	if err := responder.RotateKey(context.Background(), "new-secret", time.Hour); err != nil {
		t.Fatalf("rotate key: %v", err)
	}

	oldInitiator := NewManager(Config{NodeID: "node-a", RegistrationKey: "old-secret"}, &fakeAuditSink{}, newFakeSessionStore())
	challenge, err := oldInitiator.BeginChallenge()
	if err != nil {
		t.Fatalf("begin challenge: %v", err)
	}
	if _, err := responder.HandleChallenge(context.Background(), challenge, "10.0.0.5:1"); err != nil {
		t.Fatalf("expected old key to still be accepted during grace period: %v", err)
	}

	foundRotated := false
	for _, e := range audit.entries {
		if e.Type == types.AuditKeyRotated {
			foundRotated = true
		}
	}
	if !foundRotated {
		t.Fatal("expected a KEY_ROTATED audit entry")
	}
}

type fakeRotationStore struct {
	state []byte
}

func (f *fakeRotationStore) PersistRotationState(ctx context.Context, nodeID string, state []byte) error {
	f.state = state
	return nil
}

func (f *fakeRotationStore) LoadRotationState(ctx context.Context, nodeID string) ([]byte, error) {
	return f.state, nil
}

func TestRotationGraceSurvivesRestart(t *testing.T) {
	rotation := &fakeRotationStore{}
	responder := NewManager(Config{NodeID: "node-b", RegistrationKey: "old-secret"}, &fakeAuditSink{}, newFakeSessionStore())
	responder.SetRotationStore(rotation)

	if err := responder.RotateKey(context.Background(), "new-secret", time.Hour); err != nil {
		t.Fatalf("rotate key: %v", err)
	}
	if len(rotation.state) == 0 {
		t.Fatal("expected rotation state to be persisted")
	}

	// A restarted process comes up with the new key from its environment
	// and reloads the in-flight grace period from the store.
	restarted := NewManager(Config{NodeID: "node-b", RegistrationKey: "new-secret"}, &fakeAuditSink{}, newFakeSessionStore())
	restarted.SetRotationStore(rotation)
	restarted.RestoreRotation(context.Background())

	oldInitiator := NewManager(Config{NodeID: "node-a", RegistrationKey: "old-secret"}, &fakeAuditSink{}, newFakeSessionStore())
	challenge, err := oldInitiator.BeginChallenge()
	if err != nil {
		t.Fatalf("begin challenge: %v", err)
	}
	if _, err := restarted.HandleChallenge(context.Background(), challenge, "10.0.0.5:1"); err != nil {
		t.Fatalf("expected old key accepted during grace after restart: %v", err)
	}
}

func TestRestoreRotationIgnoresUndecryptableState(t *testing.T) {
	rotation := &fakeRotationStore{state: []byte("not a sealed blob")}
	m := NewManager(Config{NodeID: "node-b", RegistrationKey: "current"}, &fakeAuditSink{}, newFakeSessionStore())
	m.SetRotationStore(rotation)
	m.RestoreRotation(context.Background())

	if keys := m.currentKeys(); len(keys) != 1 || keys[0] != "current" {
		t.Fatalf("expected only the current key after a failed restore, got %v", keys)
	}
}
