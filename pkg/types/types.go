// Package types holds the shared data model for the sync core: node
// identity, vector/Lamport clocks, change events, peers, sessions, audit
// entries, and partition/recovery bookkeeping. These are plain structs
// persisted by pkg/store (relational) and pkg/localstore (bbolt cache);
// this package has no storage or network dependencies of its own.
package types

import (
	"time"
)

// Operation is the kind of mutation a ChangeEvent captures.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Capabilities advertises what a node supports to peers.
type Capabilities struct {
	Compression        bool `json:"compression"`
	Encryption         bool `json:"encryption"`
	VectorClocks       bool `json:"vectorClocks"`
	ConflictResolution bool `json:"conflictResolution"`
	Signatures         bool `json:"signatures"`
}

// DefaultCapabilities returns the capability set every node advertises
// unless explicitly downgraded by configuration.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Compression:        false,
		Encryption:         true,
		VectorClocks:       true,
		ConflictResolution: true,
		Signatures:         false,
	}
}

// NodeIdentity is the process-wide, once-initialized identity of this node.
type NodeIdentity struct {
	NodeID              string       `json:"nodeId"`
	NodeName            string       `json:"nodeName"`
	Host                string       `json:"host"`
	Port                int          `json:"port"`
	RegistrationKeyHash string       `json:"registrationKeyHash"`
	Capabilities        Capabilities `json:"capabilities"`
	PublicKey           []byte       `json:"publicKey,omitempty"`
	PrivateKeyEncrypted []byte       `json:"privateKeyEncrypted,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
}

// VectorClock maps nodeId to a monotonically increasing counter.
type VectorClock map[string]uint64

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Order is the result of comparing two vector clocks.
type Order int

const (
	OrderEqual Order = iota
	OrderBefore
	OrderAfter
	OrderConcurrent
)

func (o Order) String() string {
	switch o {
	case OrderEqual:
		return "EQUAL"
	case OrderBefore:
		return "BEFORE"
	case OrderAfter:
		return "AFTER"
	default:
		return "CONCURRENT"
	}
}

// EventMetadata carries advisory and security-relevant context for a
// ChangeEvent that is not itself part of the causal ordering.
type EventMetadata struct {
	Timestamp           time.Time `json:"timestamp"`
	NodeVersion         string    `json:"nodeVersion"`
	RegistrationKeyHash string    `json:"registrationKeyHash"`
	TenantID            string    `json:"tenantId,omitempty"`
	// Signature is an Ed25519 signature over EventID by the source node,
	// present only when the source advertises the signatures capability.
	Signature []byte `json:"signature,omitempty"`
}

// ChangeEvent is the atomic, immutable unit of replication.
type ChangeEvent struct {
	EventID          string        `json:"eventId"`
	SourceNodeID     string        `json:"sourceNodeId"`
	TableName        string        `json:"tableName"`
	RecordID         string        `json:"recordId"`
	Operation        Operation     `json:"operation"`
	ChangeData       []byte        `json:"changeData,omitempty"`
	BeforeData       []byte        `json:"beforeData,omitempty"`
	VectorClock      VectorClock   `json:"vectorClock"`
	LamportClock     uint64        `json:"lamportClock"`
	Checksum         string        `json:"checksum"`
	Priority         int           `json:"priority"`
	Metadata         EventMetadata `json:"metadata"`
	Processed        bool          `json:"processed"`
	ProcessedAt      *time.Time    `json:"processedAt,omitempty"`
	Quarantined      bool          `json:"quarantined"`
	QuarantineReason string        `json:"quarantineReason,omitempty"`
}

// DefaultPriority is used when a caller does not specify one.
const DefaultPriority = 5

// Reachability is the liveness state of a discovered peer.
type Reachability string

const (
	ReachabilityUnknown     Reachability = "UNKNOWN"
	ReachabilityReachable   Reachability = "REACHABLE"
	ReachabilityUnreachable Reachability = "UNREACHABLE"
	ReachabilityPartitioned Reachability = "PARTITIONED"
)

// PeerRecord is a discovered peer and its last-known state.
type PeerRecord struct {
	NodeID       string       `json:"nodeId"`
	NodeName     string       `json:"nodeName"`
	Address      string       `json:"address"`
	Capabilities Capabilities `json:"capabilities"`
	PublicKey    []byte       `json:"publicKey,omitempty"`
	LastSeen     time.Time    `json:"lastSeen"`
	Reachability Reachability `json:"reachability"`
	MissedBeats  int          `json:"missedBeats"`
}

// Session is an authenticated, time-bounded channel to a peer.
type Session struct {
	SessionID     string    `json:"sessionId"`
	PeerNodeID    string    `json:"peerNodeId"`
	SymmetricKey  []byte    `json:"symmetricKey"`
	EstablishedAt time.Time `json:"establishedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
}

// Expired reports whether the session is no longer valid at t.
func (s *Session) Expired(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

// AuditEventType names a security-relevant event kind.
type AuditEventType string

const (
	AuditAuthSuccess        AuditEventType = "AUTH_SUCCESS"
	AuditAuthFailure        AuditEventType = "AUTH_FAILURE"
	AuditSessionEstablished AuditEventType = "SESSION_ESTABLISHED"
	AuditSessionRevoked     AuditEventType = "SESSION_REVOKED"
	AuditSessionExpired     AuditEventType = "SESSION_EXPIRED"
	AuditRateLimited        AuditEventType = "RATE_LIMITED"
	AuditKeyRotated         AuditEventType = "KEY_ROTATED"
	AuditChecksumMismatch   AuditEventType = "CHECKSUM_MISMATCH"
	AuditKeyHashMismatch    AuditEventType = "KEY_HASH_MISMATCH"
	AuditSignatureInvalid   AuditEventType = "SIGNATURE_INVALID"
	AuditBufferOverflow     AuditEventType = "BUFFER_OVERFLOW"
)

// AuditEntry is an append-only security event record.
type AuditEntry struct {
	ID         string         `json:"id"`
	Type       AuditEventType `json:"type"`
	SourceAddr string         `json:"sourceAddr"`
	NodeID     string         `json:"nodeId,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// PartitionStrategy names a recovery strategy for a declared partition.
type PartitionStrategy string

const (
	StrategyMerge      PartitionStrategy = "merge"
	StrategySourceWins PartitionStrategy = "source-wins"
	StrategyTargetWins PartitionStrategy = "target-wins"
)

// PartitionStatus is the lifecycle state of a PartitionRecord.
type PartitionStatus string

const (
	PartitionOpen     PartitionStatus = "open"
	PartitionResolved PartitionStatus = "resolved"
)

// PartitionRecord is an active or historical known-bad state between peers.
type PartitionRecord struct {
	PartitionID string            `json:"partitionId"`
	Peers       []string          `json:"peers"`
	DetectedAt  time.Time         `json:"detectedAt"`
	ResolvedAt  *time.Time        `json:"resolvedAt,omitempty"`
	Strategy    PartitionStrategy `json:"strategy"`
	Status      PartitionStatus   `json:"status"`
	Reason      string            `json:"reason"`
}

// RecoveryPhase is the lifecycle state of a RecoverySession.
type RecoveryPhase string

const (
	PhaseRequested    RecoveryPhase = "REQUESTED"
	PhaseExporting    RecoveryPhase = "EXPORTING"
	PhaseTransferring RecoveryPhase = "TRANSFERRING"
	PhaseApplying     RecoveryPhase = "APPLYING"
	PhaseComplete     RecoveryPhase = "COMPLETE"
	PhaseFailed       RecoveryPhase = "FAILED"
)

// RecoverySession coordinates a bulk snapshot handoff between a joining
// node and a donor peer.
type RecoverySession struct {
	SessionID        string        `json:"sessionId"`
	DonorNodeID      string        `json:"donorNodeId"`
	Phase            RecoveryPhase `json:"phase"`
	SnapshotFilename string        `json:"snapshotFilename,omitempty"`
	BytesReceived    int64         `json:"bytesReceived"`
	BytesTotal       int64         `json:"bytesTotal"`
	StartedAt        time.Time     `json:"startedAt"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	FailureReason    string        `json:"failureReason,omitempty"`
	LastKnownLamport uint64        `json:"lastKnownLamport"`
}

// ConflictKind names which rule in the resolver produced a decision.
type ConflictKind string

const (
	ConflictLastWriterWins ConflictKind = "last-writer-wins"
	ConflictDeleteWins     ConflictKind = "delete-wins"
	ConflictCreateCreate   ConflictKind = "create-create"
)

// ConflictResolution is the audit row written for every conflict decision.
type ConflictResolution struct {
	ID            string       `json:"id"`
	TableName     string       `json:"tableName"`
	RecordID      string       `json:"recordId"`
	WinnerEventID string       `json:"winnerEventId"`
	LoserEventID  string       `json:"loserEventId"`
	LoserRecordID string       `json:"loserRecordId,omitempty"`
	Kind          ConflictKind `json:"kind"`
	DecidedAt     time.Time    `json:"decidedAt"`
}

// RateLimitWindow is per-source-address bookkeeping for the Security
// Manager's rolling authentication rate limiter.
type RateLimitWindow struct {
	SourceAddr   string    `json:"sourceAddr"`
	WindowStart  time.Time `json:"windowStart"`
	RequestCount int       `json:"requestCount"`
	FailureCount int       `json:"failureCount"`
	BlockedUntil time.Time `json:"blockedUntil"`
}

// Blocked reports whether the window currently refuses authentication
// attempts from its source address.
func (w *RateLimitWindow) Blocked(now time.Time) bool {
	return now.Before(w.BlockedUntil)
}
