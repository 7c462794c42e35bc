package security

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/syncerr"
	"github.com/cuemby/warren/pkg/types"
)

// AuditSink is the subset of pkg/store.Store the Security Manager needs
// to append audit entries; kept narrow so tests can fake it easily.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry *types.AuditEntry) error
}

// SessionStore is the subset of pkg/store.Store needed to persist
// sessions established by the handshake.
type SessionStore interface {
	SaveSession(ctx context.Context, session *types.Session) error
}

// Manager is the Security Manager: it runs the challenge-response
// handshake, issues and validates auth tokens, derives per-session keys,
// enforces the rolling rate limiter, and rotates the registration key.
type Manager struct {
	mu          sync.RWMutex
	nodeID      string
	currentKey  string
	previousKey string
	graceUntil  time.Time

	tokens   *TokenManager
	limiter  *RateLimiter
	audit    AuditSink
	sess     SessionStore
	rotation RotationStore
	broker   *events.Broker

	sessionTTL     time.Duration
	sessionHardCap time.Duration
}

// Config configures a Manager. Zero-value durations fall back to the
// spec's defaults (auth token 5 min, session 60 min default/240 min cap,
// rate limit window 60s/100 requests, max 3 failed attempts).
type Config struct {
	NodeID            string
	RegistrationKey   string
	AuthTokenTTL      time.Duration
	SessionTTL        time.Duration
	SessionHardCap    time.Duration
	RateLimitWindow   time.Duration
	RateLimitMaxReqs  int
	MaxFailedAttempts int
}

func (c *Config) applyDefaults() {
	if c.AuthTokenTTL <= 0 || c.AuthTokenTTL > 5*time.Minute {
		c.AuthTokenTTL = 5 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 60 * time.Minute
	}
	if c.SessionHardCap <= 0 {
		c.SessionHardCap = 4 * c.SessionTTL
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = 60 * time.Second
	}
	if c.RateLimitMaxReqs <= 0 {
		c.RateLimitMaxReqs = 100
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = 3
	}
}

// NewManager constructs a Manager.
func NewManager(cfg Config, audit AuditSink, sess SessionStore) *Manager {
	cfg.applyDefaults()
	return &Manager{
		nodeID:         cfg.NodeID,
		currentKey:     cfg.RegistrationKey,
		tokens:         NewTokenManager(cfg.AuthTokenTTL),
		limiter:        NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxReqs, cfg.MaxFailedAttempts),
		audit:          audit,
		sess:           sess,
		sessionTTL:     cfg.SessionTTL,
		sessionHardCap: cfg.SessionHardCap,
	}
}

// currentKeys returns the keys a presented proof may match: just the
// current key, or both current and previous while a rotation grace
// period is active.
func (m *Manager) currentKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.previousKey != "" && time.Now().Before(m.graceUntil) {
		return []string{m.currentKey, m.previousKey}
	}
	return []string{m.currentKey}
}

// BeginChallenge builds the initiator's first handshake message.
func (m *Manager) BeginChallenge() (Challenge, error) {
	nonce, err := NewNonce()
	if err != nil {
		return Challenge{}, err
	}
	m.mu.RLock()
	key := m.currentKey
	m.mu.RUnlock()

	return Challenge{
		NodeID: m.nodeID,
		Nonce:  nonce,
		Proof:  ComputeProof(key, m.nodeID, nonce),
	}, nil
}

// HandleChallenge is the responder side of the handshake: it rate-limits
// the source address, verifies the proof against the current (and, in
// grace, previous) registration key, and on success issues an auth
// token. Every outcome is audited; the returned error never distinguishes
// why a proof was rejected.
func (m *Manager) HandleChallenge(ctx context.Context, challenge Challenge, sourceAddr string) (*AuthToken, error) {
	now := time.Now()

	if !m.limiter.Allow(sourceAddr, now) {
		m.appendAudit(ctx, types.AuditRateLimited, sourceAddr, challenge.NodeID, "")
		return nil, syncerr.ErrRateLimited
	}

	if !VerifyProof(challenge, m.currentKeys()) {
		m.limiter.RecordFailure(sourceAddr, now)
		m.appendAudit(ctx, types.AuditAuthFailure, sourceAddr, challenge.NodeID, "")
		return nil, syncerr.ErrAuthFailed
	}
	m.limiter.RecordSuccess(sourceAddr, now)

	token, err := m.tokens.Issue(challenge.NodeID, sourceAddr)
	if err != nil {
		return nil, err
	}
	m.appendAudit(ctx, types.AuditAuthSuccess, sourceAddr, challenge.NodeID, "")
	return token, nil
}

// EstablishSession completes the handshake: it validates the auth token,
// performs X25519 key agreement against the initiator's ephemeral public
// key, persists the resulting session, and returns our own ephemeral
// public key for the initiator to complete its side of the agreement.
func (m *Manager) EstablishSession(ctx context.Context, token, nodeID, sourceAddr string, peerPublicKey []byte) (*types.Session, []byte, error) {
	if err := m.tokens.Validate(token, nodeID, sourceAddr); err != nil {
		m.appendAudit(ctx, types.AuditAuthFailure, sourceAddr, nodeID, "invalid or expired auth token")
		return nil, nil, err
	}

	ourPub, ourPriv, err := GenerateEphemeralKeyPair()
	if err != nil {
		return nil, nil, err
	}
	sessionKey, err := DeriveSessionKey(ourPriv, peerPublicKey)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	session := &types.Session{
		SessionID:     uuid.New().String(),
		PeerNodeID:    nodeID,
		SymmetricKey:  sessionKey,
		EstablishedAt: now,
		ExpiresAt:     now.Add(m.sessionTTL),
		LastUsedAt:    now,
	}

	if err := m.sess.SaveSession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("persist session: %w", err)
	}
	m.appendAudit(ctx, types.AuditSessionEstablished, sourceAddr, nodeID, session.SessionID)
	return session, ourPub, nil
}

// RefreshSession extends session on use, up to the hard cap measured
// from EstablishedAt. Returns syncerr.ErrSessionExpired once the hard
// cap has passed.
func (m *Manager) RefreshSession(ctx context.Context, session *types.Session) error {
	now := time.Now()
	hardCapExpiry := session.EstablishedAt.Add(m.sessionHardCap)
	if now.After(hardCapExpiry) {
		return syncerr.ErrSessionExpired
	}

	session.LastUsedAt = now
	newExpiry := now.Add(m.sessionTTL)
	if newExpiry.After(hardCapExpiry) {
		newExpiry = hardCapExpiry
	}
	session.ExpiresAt = newExpiry
	return m.sess.SaveSession(ctx, session)
}

// RotationStore persists rotation state across restarts; the shared
// store's sync_configurations row satisfies this.
type RotationStore interface {
	PersistRotationState(ctx context.Context, nodeID string, state []byte) error
	LoadRotationState(ctx context.Context, nodeID string) ([]byte, error)
}

// rotationState is the sealed blob persisted during a rotation grace
// period: the previous key never touches the database in the clear, it
// is encrypted under a key derived from the new registration key.
type rotationState struct {
	PreviousKey string    `json:"previousKey"`
	GraceUntil  time.Time `json:"graceUntil"`
}

// SetRotationStore wires rotation-state persistence. Optional: a Manager
// without one still rotates, it just forgets an in-flight grace period
// on restart.
func (m *Manager) SetRotationStore(rs RotationStore) {
	m.rotation = rs
}

// SetBroker wires the internal signal bus so a rotation is announced to
// the other components (the Sync Engine drops its cached sessions and
// re-authenticates under whichever key is now valid).
func (m *Manager) SetBroker(b *events.Broker) {
	m.broker = b
}

// RotateKey atomically swaps in a new registration key, keeping the old
// one valid for graceDuration, and writes a KEY_ROTATED audit entry. The
// grace-period state is sealed under the new key and persisted so a
// restart mid-grace still accepts the old key until graceUntil.
func (m *Manager) RotateKey(ctx context.Context, newKey string, graceDuration time.Duration) error {
	m.mu.Lock()
	m.previousKey = m.currentKey
	m.currentKey = newKey
	m.graceUntil = time.Now().Add(graceDuration)
	state := rotationState{PreviousKey: m.previousKey, GraceUntil: m.graceUntil}
	m.mu.Unlock()

	if m.rotation != nil {
		if sealed, err := sealRotationState(newKey, state); err == nil {
			if err := m.rotation.PersistRotationState(ctx, m.nodeID, sealed); err != nil {
				return fmt.Errorf("persist rotation state: %w", err)
			}
		}
	}

	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventKeyRotated, Message: m.nodeID})
	}

	return m.audit.AppendAudit(ctx, &types.AuditEntry{
		ID:        uuid.New().String(),
		Type:      types.AuditKeyRotated,
		NodeID:    m.nodeID,
		Timestamp: time.Now(),
	})
}

// RestoreRotation reloads a persisted grace period after a restart. A
// missing, stale, or undecryptable state (the registration key moved on
// past the one that sealed it) is ignored.
func (m *Manager) RestoreRotation(ctx context.Context) {
	if m.rotation == nil {
		return
	}
	sealed, err := m.rotation.LoadRotationState(ctx, m.nodeID)
	if err != nil || len(sealed) == 0 {
		return
	}

	m.mu.Lock()
	currentKey := m.currentKey
	m.mu.Unlock()

	state, err := openRotationState(currentKey, sealed)
	if err != nil || !time.Now().Before(state.GraceUntil) {
		return
	}

	m.mu.Lock()
	m.previousKey = state.PreviousKey
	m.graceUntil = state.GraceUntil
	m.mu.Unlock()
}

func sealRotationState(currentKey string, state rotationState) ([]byte, error) {
	sm, err := NewSecretsManager(DeriveKeyFromRegistrationKey(currentKey))
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return sm.EncryptSecret(plain)
}

func openRotationState(currentKey string, sealed []byte) (rotationState, error) {
	var state rotationState
	sm, err := NewSecretsManager(DeriveKeyFromRegistrationKey(currentKey))
	if err != nil {
		return state, err
	}
	plain, err := sm.DecryptSecret(sealed)
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(plain, &state); err != nil {
		return state, err
	}
	return state, nil
}

// VerifyEventOrigin reports whether a ChangeEvent's stamped registration
// key hash is consistent with sourceNodeID under the current (or, during
// rotation grace, previous) registration key.
func (m *Manager) VerifyEventOrigin(registrationKeyHash, sourceNodeID string) bool {
	return VerifyRegistrationKeyHash(registrationKeyHash, sourceNodeID, m.currentKeys())
}

// AuditSessionExpired records that a peer presented a session past its
// expiresAt; the Wire Server calls this whenever it rejects a
// PULL_REQUEST/EVENT_BATCH/SNAPSHOT_REQUEST for that reason.
func (m *Manager) AuditSessionExpired(ctx context.Context, sessionID, peerNodeID string) {
	m.appendAudit(ctx, types.AuditSessionExpired, "", peerNodeID, "session "+sessionID+" expired")
}

// CleanupExpired drops expired auth tokens. Intended to run on the same
// sweeper ticker the Runner uses for session/audit retention.
func (m *Manager) CleanupExpired() {
	m.tokens.CleanupExpired()
}

func (m *Manager) appendAudit(ctx context.Context, evtType types.AuditEventType, sourceAddr, nodeID, detail string) {
	_ = m.audit.AppendAudit(ctx, &types.AuditEntry{
		ID:         uuid.New().String(),
		Type:       evtType,
		SourceAddr: sourceAddr,
		NodeID:     nodeID,
		Detail:     detail,
		Timestamp:  time.Now(),
	})
}
