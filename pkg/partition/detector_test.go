package partition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/types"
)

// fakeStore implements store.Store with just enough behavior for the
// detector: RecentEventsBySource/OpenPartition/ResolvePartition/
// ListOpenPartitions are real, everything else is an unused stub.
type fakeStore struct {
	bySource map[string][]*types.ChangeEvent
	opened   []*types.PartitionRecord
	resolved map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bySource: make(map[string][]*types.ChangeEvent),
		resolved: make(map[string]bool),
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error { return fn(nil) }
func (f *fakeStore) LoadIdentity(ctx context.Context) (*types.NodeIdentity, error) {
	return nil, nil
}
func (f *fakeStore) SaveIdentity(ctx context.Context, identity *types.NodeIdentity) error { return nil }
func (f *fakeStore) UpsertPeerNode(ctx context.Context, peer *types.PeerRecord) error     { return nil }
func (f *fakeStore) ListKnownNodes(ctx context.Context) ([]*types.PeerRecord, error) {
	return nil, nil
}
func (f *fakeStore) PersistClock(nodeID string, vc types.VectorClock, lamport uint64) error {
	return nil
}
func (f *fakeStore) LoadClock(ctx context.Context, nodeID string) (types.VectorClock, uint64, error) {
	return nil, 0, nil
}
func (f *fakeStore) PersistRotationState(ctx context.Context, nodeID string, state []byte) error {
	return nil
}
func (f *fakeStore) LoadRotationState(ctx context.Context, nodeID string) ([]byte, error) {
	return nil, nil
}
func (f *fakeStore) AppendEvent(ctx context.Context, event *types.ChangeEvent) error { return nil }
func (f *fakeStore) EventsSince(ctx context.Context, peerNodeID string, sinceLamport uint64, maxBatch int) ([]*types.ChangeEvent, error) {
	return nil, nil
}
func (f *fakeStore) EventsForRecord(ctx context.Context, table, recordID string) ([]*types.ChangeEvent, error) {
	return nil, nil
}
func (f *fakeStore) RecentEventsBySource(ctx context.Context, sourceNodeID string, limit int) ([]*types.ChangeEvent, error) {
	return f.bySource[sourceNodeID], nil
}
func (f *fakeStore) MarkProcessed(ctx context.Context, eventID, receiverNodeID string, at time.Time) error {
	return nil
}
func (f *fakeStore) IsProcessed(ctx context.Context, eventID, receiverNodeID string) (bool, error) {
	return false, nil
}
func (f *fakeStore) QuarantineEvent(ctx context.Context, eventID, reason string) error { return nil }
func (f *fakeStore) PruneProcessedEvents(ctx context.Context, olderThan time.Time, ackedByAllPeers []string) (int64, error) {
	return 0, nil
}
func (f *fakeStore) TruncateEventsFromSource(ctx context.Context, sourceNodeID string) (int64, error) {
	n := int64(len(f.bySource[sourceNodeID]))
	delete(f.bySource, sourceNodeID)
	return n, nil
}
func (f *fakeStore) SaveSession(ctx context.Context, session *types.Session) error { return nil }
func (f *fakeStore) LoadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return nil, nil
}
func (f *fakeStore) RevokeSession(ctx context.Context, sessionID string) error { return nil }
func (f *fakeStore) SweepExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeStore) AppendAudit(ctx context.Context, entry *types.AuditEntry) error { return nil }
func (f *fakeStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeStore) AppendConflictResolution(ctx context.Context, cr *types.ConflictResolution) error {
	return nil
}
func (f *fakeStore) OpenPartition(ctx context.Context, p *types.PartitionRecord) error {
	f.opened = append(f.opened, p)
	return nil
}
func (f *fakeStore) ResolvePartition(ctx context.Context, partitionID string, at time.Time) error {
	f.resolved[partitionID] = true
	return nil
}
func (f *fakeStore) ListOpenPartitions(ctx context.Context) ([]*types.PartitionRecord, error) {
	var open []*types.PartitionRecord
	for _, p := range f.opened {
		if !f.resolved[p.PartitionID] {
			open = append(open, p)
		}
	}
	return open, nil
}
func (f *fakeStore) IncrMetric(ctx context.Context, name string, delta int64) error { return nil }
func (f *fakeStore) GetMetric(ctx context.Context, name string) (int64, error)      { return 0, nil }
func (f *fakeStore) DumpTableRows(ctx context.Context, table string) ([][]byte, error) {
	return nil, nil
}
func (f *fakeStore) UpsertSnapshotRow(ctx context.Context, table, pkColumn string, row []byte) error {
	return nil
}
func (f *fakeStore) Close() error { return nil }

type fakeEngineView struct {
	sessions   map[string]*types.Session
	watermarks map[string][2]uint64
}

func (f *fakeEngineView) PeerWatermark(nodeID string) (pull, push uint64, ok bool) {
	w, ok := f.watermarks[nodeID]
	if !ok {
		return 0, 0, false
	}
	return w[0], w[1], true
}

func (f *fakeEngineView) SessionFor(nodeID string) *types.Session {
	return f.sessions[nodeID]
}

type fakeConsistencyTransport struct {
	views map[string][]*types.ChangeEvent
}

func (f *fakeConsistencyTransport) PullBySource(ctx context.Context, peer *types.PeerRecord, session *types.Session, sourceNodeID string, limit int) ([]*types.ChangeEvent, error) {
	return f.views[peer.NodeID], nil
}

type fakePeerSource struct {
	peers []*types.PeerRecord
}

func (f *fakePeerSource) Peers() []*types.PeerRecord { return f.peers }

type fakeMarker struct {
	marked []string
}

func (f *fakeMarker) MarkPartitioned(nodeID string) { f.marked = append(f.marked, nodeID) }

func changeEventFixture(sourceNode, recordID string, lamport uint64) *types.ChangeEvent {
	data := []byte(`{"x":1}`)
	return &types.ChangeEvent{
		EventID:      sourceNode + "-" + recordID,
		SourceNodeID: sourceNode,
		TableName:    "widgets",
		RecordID:     recordID,
		Operation:    types.OpCreate,
		ChangeData:   data,
		LamportClock: lamport,
		Checksum:     "irrelevant-for-digest-equality-tests",
	}
}

func TestCheckPeerDeclaresPartitionOnTimeoutAfterPriorReachability(t *testing.T) {
	st := newFakeStore()
	marker := &fakeMarker{}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	d := New(Config{NodeID: "node-a"}, st, nil, nil, nil, marker, broker)
	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}

	// First pass marks node-b as having been seen reachable.
	d.checkPeer(context.Background(), peer)

	peer.Reachability = types.ReachabilityUnreachable
	d.checkPeer(context.Background(), peer)

	if len(st.opened) != 1 {
		t.Fatalf("expected one partition to be opened, got %d", len(st.opened))
	}
	if st.opened[0].Reason == "" {
		t.Fatal("expected a non-empty partition reason")
	}
	if len(marker.marked) != 1 || marker.marked[0] != "node-b" {
		t.Fatalf("expected discovery to be told about the partition, got %v", marker.marked)
	}
}

func TestCheckPeerDoesNotPartitionAnUnknownPeer(t *testing.T) {
	st := newFakeStore()
	marker := &fakeMarker{}
	d := New(Config{NodeID: "node-a"}, st, nil, nil, nil, marker, nil)
	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityUnreachable}

	d.checkPeer(context.Background(), peer)

	if len(st.opened) != 0 {
		t.Fatalf("expected no partition for a peer never seen reachable, got %d", len(st.opened))
	}
}

func TestCheckConsistencyMatchingDigestsResetStreak(t *testing.T) {
	st := newFakeStore()
	evt := changeEventFixture("node-a", "w1", 1)
	st.bySource["node-a"] = []*types.ChangeEvent{evt}

	engine := &fakeEngineView{sessions: map[string]*types.Session{
		"node-b": {SessionID: "s1", PeerNodeID: "node-b", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	transport := &fakeConsistencyTransport{views: map[string][]*types.ChangeEvent{
		"node-b": {evt},
	}}

	d := New(Config{NodeID: "node-a", MismatchCyclesToPartition: 2}, st, engine, transport, nil, nil, nil)
	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}

	d.checkConsistency(context.Background(), peer)

	if len(st.opened) != 0 {
		t.Fatal("matching digests should never open a partition")
	}
	d.mu.Lock()
	streak := d.mismatchStreak["node-b"]
	d.mu.Unlock()
	if streak != 0 {
		t.Fatalf("expected zero mismatch streak, got %d", streak)
	}
}

func TestCheckConsistencyMismatchPersistingOpensPartition(t *testing.T) {
	st := newFakeStore()
	ourEvt := changeEventFixture("node-a", "w1", 1)
	theirEvt := changeEventFixture("node-a", "w2", 1) // different record id -> different digest
	st.bySource["node-a"] = []*types.ChangeEvent{ourEvt}

	engine := &fakeEngineView{sessions: map[string]*types.Session{
		"node-b": {SessionID: "s1", PeerNodeID: "node-b", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	transport := &fakeConsistencyTransport{views: map[string][]*types.ChangeEvent{
		"node-b": {theirEvt},
	}}
	marker := &fakeMarker{}

	d := New(Config{NodeID: "node-a", MismatchCyclesToPartition: 2}, st, engine, transport, nil, marker, nil)
	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}

	d.checkConsistency(context.Background(), peer)
	if len(st.opened) != 0 {
		t.Fatal("expected no partition after a single mismatch cycle")
	}
	d.checkConsistency(context.Background(), peer)
	if len(st.opened) != 1 {
		t.Fatalf("expected a partition after the mismatch streak reached the threshold, got %d", len(st.opened))
	}
	if len(marker.marked) != 1 {
		t.Fatalf("expected discovery to be notified, got %v", marker.marked)
	}
}

func TestCheckConsistencySkipsWithoutALiveSession(t *testing.T) {
	st := newFakeStore()
	engine := &fakeEngineView{sessions: map[string]*types.Session{}}
	transport := &fakeConsistencyTransport{}
	d := New(Config{NodeID: "node-a"}, st, engine, transport, nil, nil, nil)
	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}

	d.checkConsistency(context.Background(), peer)

	if len(st.opened) != 0 {
		t.Fatal("expected no partition check to run without an established session")
	}
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []*types.PeerRecord
	done  chan struct{}
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{done: make(chan struct{}, 1)}
}

func (f *fakeReconciler) Recover(ctx context.Context, donor *types.PeerRecord) error {
	f.mu.Lock()
	f.calls = append(f.calls, donor)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func TestOpenPartitionReconcilesUnderTargetWins(t *testing.T) {
	st := newFakeStore()
	st.bySource["node-a"] = []*types.ChangeEvent{changeEventFixture("node-a", "w1", 1)}
	marker := &fakeMarker{}
	peerRecord := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}
	peerSrc := &fakePeerSource{peers: []*types.PeerRecord{peerRecord}}
	reconciler := newFakeReconciler()

	d := New(Config{NodeID: "node-a", DefaultStrategy: types.StrategyTargetWins}, st, nil, nil, peerSrc, marker, nil)
	d.SetReconciler(reconciler)

	d.checkPeer(context.Background(), peerRecord) // marks node-b as having been reachable
	peerRecord.Reachability = types.ReachabilityUnreachable
	d.checkPeer(context.Background(), peerRecord) // declares the partition, triggers async reconciliation

	select {
	case <-reconciler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected reconciler.Recover to be called")
	}

	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	if len(reconciler.calls) != 1 || reconciler.calls[0].NodeID != "node-b" {
		t.Fatalf("expected Recover called once for node-b, got %+v", reconciler.calls)
	}
	if len(st.bySource["node-a"]) != 0 {
		t.Fatal("expected local events truncated before reconciliation")
	}
}

func TestOpenPartitionDoesNotReconcileUnderMerge(t *testing.T) {
	st := newFakeStore()
	marker := &fakeMarker{}
	reconciler := newFakeReconciler()

	d := New(Config{NodeID: "node-a"}, st, nil, nil, nil, marker, nil)
	d.SetReconciler(reconciler)

	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}
	d.checkPeer(context.Background(), peer)
	peer.Reachability = types.ReachabilityUnreachable
	d.checkPeer(context.Background(), peer)

	select {
	case <-reconciler.done:
		t.Fatal("expected no reconciliation under the default merge strategy")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOpenPartitionIsDedupedWhilePartitionStaysOpen(t *testing.T) {
	st := newFakeStore()
	marker := &fakeMarker{}
	d := New(Config{NodeID: "node-a"}, st, nil, nil, nil, marker, nil)

	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}
	d.checkPeer(context.Background(), peer)
	peer.Reachability = types.ReachabilityUnreachable
	d.checkPeer(context.Background(), peer)
	d.checkPeer(context.Background(), peer)
	d.checkPeer(context.Background(), peer)

	if len(st.opened) != 1 {
		t.Fatalf("expected exactly one partition record across repeated checks, got %d", len(st.opened))
	}
}

func TestMergePartitionResolvesOncePeerReachableAgain(t *testing.T) {
	st := newFakeStore()
	marker := &fakeMarker{}
	d := New(Config{NodeID: "node-a"}, st, nil, nil, nil, marker, nil)

	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}
	d.checkPeer(context.Background(), peer)
	peer.Reachability = types.ReachabilityUnreachable
	d.checkPeer(context.Background(), peer)
	if len(st.opened) != 1 {
		t.Fatalf("expected one open partition, got %d", len(st.opened))
	}

	peer.Reachability = types.ReachabilityReachable
	d.checkPeer(context.Background(), peer)

	if !st.resolved[st.opened[0].PartitionID] {
		t.Fatal("expected the partition to be resolved once the peer came back")
	}
	// A later outage opens a fresh record rather than being deduped
	// against the resolved one.
	peer.Reachability = types.ReachabilityUnreachable
	d.checkPeer(context.Background(), peer)
	if len(st.opened) != 2 {
		t.Fatalf("expected a second partition after the peer dropped again, got %d", len(st.opened))
	}
}

func TestSeedOpenPartitionsReloadsPreRestartRecords(t *testing.T) {
	st := newFakeStore()
	st.opened = append(st.opened, &types.PartitionRecord{
		PartitionID: "p1",
		Peers:       []string{"node-a", "node-b"},
		Status:      types.PartitionOpen,
		Strategy:    types.StrategyMerge,
	})
	d := New(Config{NodeID: "node-a"}, st, nil, nil, nil, nil, nil)
	d.seedOpenPartitions(context.Background())

	// The seeded record is resolved, not duplicated, once the peer is
	// observed reachable after the restart.
	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}
	d.checkPeer(context.Background(), peer)

	if len(st.opened) != 1 {
		t.Fatalf("expected no new partition record, got %d", len(st.opened))
	}
	if !st.resolved["p1"] {
		t.Fatal("expected the pre-restart partition to be resolved on peer recovery")
	}
}
