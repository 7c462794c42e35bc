// Package store defines the Store interface over the shared relational
// collaborator: transactional reads/writes plus the fixed set of sync
// bookkeeping tables, backed by Postgres via pgx.
package store

import (
	"context"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// Tx is a transactional handle threaded through a single logical
// transaction: the business-table write, the captured ChangeEvent, and
// the per-(event,receiver) processed bookkeeping all go through the same
// Tx so they commit or roll back together.
type Tx interface {
	// UpsertRecord writes the business row itself. data is the canonical
	// encoding of the row (the same bytes ChangeEvent.ChangeData holds);
	// passing operation OpDelete removes the row instead.
	UpsertRecord(ctx context.Context, table, recordID string, operation types.Operation, data []byte) error
	// AppendEvent persists a captured ChangeEvent as part of the same
	// transaction as the business write it describes.
	AppendEvent(ctx context.Context, event *types.ChangeEvent) error
	// MarkProcessed records that event was successfully applied on
	// behalf of receiverNodeID, in the same transaction as the apply.
	MarkProcessed(ctx context.Context, eventID, receiverNodeID string, at time.Time) error
}

// Store is the full set of operations the sync core needs from the
// shared relational collaborator.
type Store interface {
	// WithTx runs fn inside a single database transaction, committing on
	// a nil return and rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Identity / nodes (sync_nodes).
	LoadIdentity(ctx context.Context) (*types.NodeIdentity, error)
	SaveIdentity(ctx context.Context, identity *types.NodeIdentity) error
	UpsertPeerNode(ctx context.Context, peer *types.PeerRecord) error
	ListKnownNodes(ctx context.Context) ([]*types.PeerRecord, error)

	// Clock persistence (sync_configurations), keyed by nodeId.
	PersistClock(nodeID string, vc types.VectorClock, lamport uint64) error
	LoadClock(ctx context.Context, nodeID string) (types.VectorClock, uint64, error)
	PersistRotationState(ctx context.Context, nodeID string, state []byte) error
	LoadRotationState(ctx context.Context, nodeID string) ([]byte, error)

	// Change events (sync_events): the outbound log.
	AppendEvent(ctx context.Context, event *types.ChangeEvent) error
	EventsSince(ctx context.Context, peerNodeID string, sinceLamport uint64, maxBatch int) ([]*types.ChangeEvent, error)
	EventsForRecord(ctx context.Context, table, recordID string) ([]*types.ChangeEvent, error)
	// RecentEventsBySource returns the most recent limit events recorded
	// with the given sourceNodeID, newest first, regardless of which
	// table or record they touch. The Partition Detector uses it on
	// both sides of a peer relationship to build a comparable digest of
	// "this node's writes, as each side's log records them" for its
	// consistency-mismatch signal.
	RecentEventsBySource(ctx context.Context, sourceNodeID string, limit int) ([]*types.ChangeEvent, error)
	MarkProcessed(ctx context.Context, eventID, receiverNodeID string, at time.Time) error
	IsProcessed(ctx context.Context, eventID, receiverNodeID string) (bool, error)
	QuarantineEvent(ctx context.Context, eventID, reason string) error
	PruneProcessedEvents(ctx context.Context, olderThan time.Time, ackedByAllPeers []string) (int64, error)
	// TruncateEventsFromSource deletes every locally-recorded event
	// attributed to sourceNodeID. The Partition Detector calls this on
	// itself ahead of a target-wins reconciliation: this node's own
	// outbound log is the conflicting history a target-wins strategy
	// discards before re-pulling a fresh snapshot from the
	// authoritative peer.
	TruncateEventsFromSource(ctx context.Context, sourceNodeID string) (int64, error)

	// Sessions (sync_sessions).
	SaveSession(ctx context.Context, session *types.Session) error
	LoadSession(ctx context.Context, sessionID string) (*types.Session, error)
	RevokeSession(ctx context.Context, sessionID string) error
	SweepExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Audit (audit_logs).
	AppendAudit(ctx context.Context, entry *types.AuditEntry) error
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	// Conflict resolutions (conflict_resolutions).
	AppendConflictResolution(ctx context.Context, cr *types.ConflictResolution) error

	// Partitions (network_partitions).
	OpenPartition(ctx context.Context, p *types.PartitionRecord) error
	ResolvePartition(ctx context.Context, partitionID string, at time.Time) error
	ListOpenPartitions(ctx context.Context) ([]*types.PartitionRecord, error)

	// Metrics (sync_metrics): simple counters, exposed via pkg/metrics.
	IncrMetric(ctx context.Context, name string, delta int64) error
	GetMetric(ctx context.Context, name string) (int64, error)

	// Snapshot support for the bulk recovery protocol: business tables
	// are outside the sync schema, so dumping/applying
	// them goes through these two generic, table-name-driven operations
	// rather than typed accessors.
	DumpTableRows(ctx context.Context, table string) ([][]byte, error)
	UpsertSnapshotRow(ctx context.Context, table, pkColumn string, row []byte) error

	Close() error
}
