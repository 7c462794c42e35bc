// Package partition implements the Partition Detector,
// which watches every known peer for signs of a network partition beyond
// simple unreachability, and the RecoveryCoordinator, which plays the
// bulk snapshot protocol a joining or recovering node uses to catch up in
// one shot instead of replaying its entire history.
package partition

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warren/pkg/clockid"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/types"
)

const (
	defaultCheckInterval             = time.Minute
	defaultConsistencyWindow         = 200
	defaultMismatchCyclesToPartition = 3
)

// EngineView is the subset of syncengine.Engine the detector reads to
// build its sync-lag signal and to reuse an already-authenticated session
// for the consistency check instead of opening a second channel.
type EngineView interface {
	PeerWatermark(nodeID string) (pull, push uint64, ok bool)
	SessionFor(nodeID string) *types.Session
}

// ConsistencyTransport asks a peer for its view of a given source node's
// recent writes, for the digest comparison in checkConsistency.
// pkg/wire.Client satisfies this (via PullBySource).
type ConsistencyTransport interface {
	PullBySource(ctx context.Context, peer *types.PeerRecord, session *types.Session, sourceNodeID string, limit int) ([]*types.ChangeEvent, error)
}

// PeerSource supplies the current known-peer set; pkg/discovery satisfies
// this directly.
type PeerSource interface {
	Peers() []*types.PeerRecord
}

// Marker transitions a peer's discovery state once a partition is
// confirmed; pkg/discovery.Discovery satisfies this.
type Marker interface {
	MarkPartitioned(nodeID string)
}

// Reconciler plays the joiner side of the bulk-snapshot protocol against
// an authoritative donor. RecoveryCoordinator satisfies this via Recover;
// the detector reuses it to drive the target-wins recovery strategy
// instead of re-implementing snapshot transfer.
type Reconciler interface {
	Recover(ctx context.Context, donor *types.PeerRecord) error
}

// Config configures a Detector.
type Config struct {
	NodeID string
	// CheckInterval is the period between signal evaluations per peer
	// (default 1m).
	CheckInterval time.Duration
	// ConsistencyWindow bounds how many of each side's most recent events
	// the digest comparison covers (default 200).
	ConsistencyWindow int
	// MismatchCyclesToPartition is how many consecutive digest mismatches
	// against the same peer before a partition is declared (default 3).
	MismatchCyclesToPartition int
	// DefaultStrategy is recorded on every PartitionRecord this detector
	// opens (default merge).
	DefaultStrategy types.PartitionStrategy
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.ConsistencyWindow <= 0 {
		c.ConsistencyWindow = defaultConsistencyWindow
	}
	if c.MismatchCyclesToPartition <= 0 {
		c.MismatchCyclesToPartition = defaultMismatchCyclesToPartition
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = types.StrategyMerge
	}
}

// Detector is the Partition Detector. It runs three signals per
// known peer: peer-timeout (from discovery's reachability state),
// sync-lag (from the Sync Engine's watermarks, informational), and
// consistency-mismatch (a digest comparison over each side's recent
// event window). A partition is declared when a previously REACHABLE
// peer goes UNREACHABLE, or when the consistency-mismatch signal
// persists across MismatchCyclesToPartition consecutive checks.
type Detector struct {
	cfg       Config
	st        store.Store
	engine    EngineView
	transport ConsistencyTransport
	peers     PeerSource
	marker    Marker
	broker    *events.Broker

	reconciler Reconciler

	mu             sync.Mutex
	everReachable  map[string]bool
	mismatchStreak map[string]int
	openByPeer     map[string]string // peer node id -> open partition id
}

// New constructs a Detector. Call Run to start the periodic check loop.
func New(cfg Config, st store.Store, engine EngineView, transport ConsistencyTransport, peers PeerSource, marker Marker, broker *events.Broker) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:            cfg,
		st:             st,
		engine:         engine,
		transport:      transport,
		peers:          peers,
		marker:         marker,
		broker:         broker,
		everReachable:  make(map[string]bool),
		mismatchStreak: make(map[string]int),
		openByPeer:     make(map[string]string),
	}
}

// SetReconciler wires the joiner side of the bulk-snapshot protocol for
// the target-wins recovery strategy. Optional: a Detector with no
// Reconciler still declares partitions and marks peers, it just logs
// and skips the truncate-and-re-pull step.
func (d *Detector) SetReconciler(r Reconciler) {
	d.reconciler = r
}

// Run drives the per-peer check loop until ctx is canceled.
func (d *Detector) Run(ctx context.Context) {
	d.seedOpenPartitions(ctx)

	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkAll(ctx)
		}
	}
}

// seedOpenPartitions reloads unresolved partitions recorded before a
// restart, so a crash mid-partition doesn't open a duplicate record for
// the same peer.
func (d *Detector) seedOpenPartitions(ctx context.Context) {
	if d.st == nil {
		return
	}
	open, err := d.st.ListOpenPartitions(ctx)
	if err != nil {
		l := log.WithComponent("partition")
		l.Warn().Err(err).Msg("failed to reload open partitions")
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, pr := range open {
		for _, peer := range pr.Peers {
			if peer != d.cfg.NodeID {
				d.openByPeer[peer] = pr.PartitionID
			}
		}
	}
}

func (d *Detector) checkAll(ctx context.Context) {
	if d.peers == nil {
		return
	}
	for _, peer := range d.peers.Peers() {
		d.checkPeer(ctx, peer)
	}
}

func (d *Detector) checkPeer(ctx context.Context, peer *types.PeerRecord) {
	logger := log.WithPeerID(peer.NodeID)

	d.mu.Lock()
	wasReachable := d.everReachable[peer.NodeID]
	if peer.Reachability == types.ReachabilityReachable {
		d.everReachable[peer.NodeID] = true
	}
	d.mu.Unlock()

	// Signal (a): peer-timeout. discovery's own liveness loop already
	// transitions REACHABLE -> UNREACHABLE on missed announcements; the
	// detector's job is only to recognize that as a partition once the
	// peer had been reachable before (a peer we've never heard from isn't
	// a partition, just unknown).
	if peer.Reachability == types.ReachabilityUnreachable && wasReachable {
		d.openPartition(ctx, peer.NodeID, "peer exceeded liveness timeout")
		return
	}
	if peer.Reachability != types.ReachabilityReachable {
		return
	}

	// A reachable peer with an open merge-strategy partition has healed:
	// incremental sync and the conflict resolver take it from here, so
	// the record is closed. target-wins partitions are closed by
	// reconcile once the re-pull succeeds.
	d.resolveIfMerge(ctx, peer.NodeID)

	// Signal (b): sync-lag. Informational only - logged so an operator
	// can correlate it with signal (c), not itself a partition trigger.
	if d.engine != nil {
		if pull, push, ok := d.engine.PeerWatermark(peer.NodeID); ok {
			logger.Debug().Uint64("pull_watermark", pull).Uint64("push_watermark", push).Msg("sync watermark")
		}
	}

	// Signal (c): consistency-mismatch.
	d.checkConsistency(ctx, peer)
}

func (d *Detector) checkConsistency(ctx context.Context, peer *types.PeerRecord) {
	if d.engine == nil || d.transport == nil || d.st == nil {
		return
	}
	session := d.engine.SessionFor(peer.NodeID)
	if session == nil {
		return // no live channel to piggyback on this cycle
	}

	logger := log.WithPeerID(peer.NodeID)

	ours, err := d.st.RecentEventsBySource(ctx, d.cfg.NodeID, d.cfg.ConsistencyWindow)
	if err != nil {
		logger.Warn().Err(err).Msg("load local event window for consistency check")
		return
	}
	theirs, err := d.transport.PullBySource(ctx, peer, session, d.cfg.NodeID, d.cfg.ConsistencyWindow)
	if err != nil {
		logger.Warn().Err(err).Msg("fetch peer's view for consistency check")
		return
	}

	ourDigest := clockid.DigestEvents(ours)
	theirDigest := clockid.DigestEvents(theirs)

	d.mu.Lock()
	var streak int
	if ourDigest == theirDigest {
		d.mismatchStreak[peer.NodeID] = 0
	} else {
		d.mismatchStreak[peer.NodeID]++
		streak = d.mismatchStreak[peer.NodeID]
		if streak >= d.cfg.MismatchCyclesToPartition {
			d.mismatchStreak[peer.NodeID] = 0
		}
	}
	d.mu.Unlock()

	if streak > 0 {
		logger.Warn().Int("streak", streak).Msg("consistency digest mismatch")
	}
	if streak >= d.cfg.MismatchCyclesToPartition && streak > 0 {
		d.openPartition(ctx, peer.NodeID, "consistency digest mismatch persisted across cycles")
	}
}

func (d *Detector) openPartition(ctx context.Context, peerNodeID, reason string) {
	logger := log.WithPeerID(peerNodeID)

	d.mu.Lock()
	if _, alreadyOpen := d.openByPeer[peerNodeID]; alreadyOpen {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	pr := &types.PartitionRecord{
		PartitionID: uuid.New().String(),
		Peers:       []string{d.cfg.NodeID, peerNodeID},
		DetectedAt:  time.Now(),
		Strategy:    d.cfg.DefaultStrategy,
		Status:      types.PartitionOpen,
		Reason:      reason,
	}
	if d.st != nil {
		if err := d.st.OpenPartition(ctx, pr); err != nil {
			logger.Error().Err(err).Msg("failed to record partition")
			return
		}
	}
	d.mu.Lock()
	d.openByPeer[peerNodeID] = pr.PartitionID
	d.mu.Unlock()

	if d.marker != nil {
		d.marker.MarkPartitioned(peerNodeID)
	}
	logger.Error().Str("partition_id", pr.PartitionID).Str("reason", reason).Msg("partition declared")

	if pr.Strategy == types.StrategyTargetWins {
		go d.reconcile(context.Background(), peerNodeID, pr.PartitionID)
	}
}

// resolveIfMerge closes the open partition for peerNodeID if its
// strategy left reconciliation to the conflict resolver.
func (d *Detector) resolveIfMerge(ctx context.Context, peerNodeID string) {
	d.mu.Lock()
	partitionID, open := d.openByPeer[peerNodeID]
	d.mu.Unlock()
	if !open || d.cfg.DefaultStrategy != types.StrategyMerge {
		return
	}
	peerLog := log.WithPeerID(peerNodeID)
	if err := d.Resolve(ctx, partitionID); err != nil {
		peerLog.Warn().Err(err).Msg("failed to resolve healed partition")
		return
	}
	d.mu.Lock()
	delete(d.openByPeer, peerNodeID)
	d.mu.Unlock()
	peerLog.Info().Str("partition_id", partitionID).Msg("partition resolved, peer reachable again")
}

// reconcile drives the truncate-and-re-pull path for target-wins
// partitions: the peer is authoritative, so this node
// discards its own recorded event history and re-bootstraps from the
// peer via the same bulk-snapshot protocol a joining node uses. Under
// source-wins this node is the authoritative side and takes no local
// action - the peer is expected to reconcile against it the same way
// once it next detects the partition. Under merge, normal incremental
// sync and the conflict resolver handle divergence once both sides are
// reachable again, so reconcile is never called for it.
func (d *Detector) reconcile(ctx context.Context, peerNodeID, partitionID string) {
	logger := log.WithPeerID(peerNodeID)
	if d.reconciler == nil {
		logger.Warn().Msg("target-wins partition declared but no reconciler wired, skipping re-pull")
		return
	}
	donor := d.peerByID(peerNodeID)
	if donor == nil {
		logger.Warn().Msg("target-wins reconciliation deferred: donor peer record unavailable")
		return
	}
	if d.st != nil {
		n, err := d.st.TruncateEventsFromSource(ctx, d.cfg.NodeID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to truncate local events ahead of target-wins reconciliation")
			return
		}
		logger.Warn().Int64("truncated", n).Msg("truncated local event log, re-pulling from authoritative peer")
	}
	if err := d.reconciler.Recover(ctx, donor); err != nil {
		logger.Error().Err(err).Msg("target-wins reconciliation failed")
		return
	}
	if err := d.Resolve(ctx, partitionID); err != nil {
		logger.Warn().Err(err).Msg("failed to resolve reconciled partition")
	} else {
		d.mu.Lock()
		delete(d.openByPeer, peerNodeID)
		d.mu.Unlock()
	}
	logger.Info().Msg("target-wins reconciliation complete")
}

func (d *Detector) peerByID(nodeID string) *types.PeerRecord {
	if d.peers == nil {
		return nil
	}
	for _, p := range d.peers.Peers() {
		if p.NodeID == nodeID {
			return p
		}
	}
	return nil
}

// Resolve marks an open partition resolved, e.g. once the recovery
// coordinator has reconciled the two sides (strategy source-wins or
// target-wins) or the peer has simply become reachable and consistent
// again under the merge strategy.
func (d *Detector) Resolve(ctx context.Context, partitionID string) error {
	return d.st.ResolvePartition(ctx, partitionID, time.Now())
}

// OpenPartitions lists currently unresolved partitions, for the admin
// status surface.
func (d *Detector) OpenPartitions(ctx context.Context) ([]*types.PartitionRecord, error) {
	return d.st.ListOpenPartitions(ctx)
}
