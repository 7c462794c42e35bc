package partition

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/cuemby/warren/pkg/clockid"
	"github.com/cuemby/warren/pkg/types"
)

type memPersister struct{}

func (memPersister) PersistClock(nodeID string, vc types.VectorClock, lamport uint64) error {
	return nil
}

type fakeCapture struct {
	disableCalls int
	enableCalls  int
}

func (f *fakeCapture) Disable() { f.disableCalls++ }
func (f *fakeCapture) Enable()  { f.enableCalls++ }

type fakeRecoveryStore struct {
	sessions map[string]*types.RecoverySession
}

func newFakeRecoveryStore() *fakeRecoveryStore {
	return &fakeRecoveryStore{sessions: make(map[string]*types.RecoverySession)}
}

func (f *fakeRecoveryStore) PutRecoverySession(rs *types.RecoverySession) error {
	cp := *rs
	f.sessions[rs.SessionID] = &cp
	return nil
}

func (f *fakeRecoveryStore) GetRecoverySession(sessionID string) (*types.RecoverySession, error) {
	return f.sessions[sessionID], nil
}

func (f *fakeRecoveryStore) DeleteRecoverySession(sessionID string) error {
	delete(f.sessions, sessionID)
	return nil
}

type fakeRecoveryTransport struct {
	authErr  error
	fetchErr error
	manifest types.VectorClock
	payload  []byte // written to destPath on FetchSnapshot
}

func (f *fakeRecoveryTransport) Authenticate(ctx context.Context, peer *types.PeerRecord) (*types.Session, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &types.Session{SessionID: "s1", PeerNodeID: peer.NodeID}, nil
}

func (f *fakeRecoveryTransport) FetchSnapshot(ctx context.Context, peer *types.PeerRecord, session *types.Session, sessionID string, lastKnownLamport uint64, destPath string) (types.VectorClock, int64, error) {
	if f.fetchErr != nil {
		return nil, 0, f.fetchErr
	}
	if err := os.WriteFile(destPath, f.payload, 0600); err != nil {
		return nil, 0, err
	}
	return f.manifest, int64(len(f.payload)), nil
}

func TestExportSnapshotDisablesCaptureAndDumpsConfiguredTables(t *testing.T) {
	st := newFakeSnapshotStore()
	st.tables["widgets"] = [][]byte{[]byte(`{"id":"w1"}`)}
	capture := &fakeCapture{}
	clock := clockid.New("node-a", nil, 0, memPersister{})

	rc := NewRecoveryCoordinator(RecoveryConfig{
		NodeID:  "node-a",
		DataDir: t.TempDir(),
		Tables:  []TableSpec{{Name: "widgets", PKColumn: "id"}},
	}, clock, st, newFakeRecoveryStore(), capture, nil, nil)

	path, bytesTotal, manifest, err := rc.ExportSnapshot(context.Background(), "sess-1", 0)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	if capture.disableCalls != 1 || capture.enableCalls != 1 {
		t.Fatalf("expected capture disabled then re-enabled exactly once, got disable=%d enable=%d", capture.disableCalls, capture.enableCalls)
	}
	if bytesTotal == 0 {
		t.Fatal("expected a non-zero export size")
	}
	if manifest == nil {
		t.Fatal("expected a clock manifest")
	}

	sf, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(sf.Segments) != 1 || sf.Segments[0].TableName != "widgets" || sf.Segments[0].RowCount != 1 {
		t.Fatalf("unexpected segments: %+v", sf.Segments)
	}
}

func TestRecoverAppliesRowsAndFastForwardsClock(t *testing.T) {
	row, _ := json.Marshal(map[string]any{"id": "w1", "name": "widget"})
	payload, _ := json.Marshal(File{
		Header: SnapshotHeader{Version: snapshotVersion, DonorNodeID: "node-b"},
		Segments: []TableSegment{
			{TableName: "widgets", RowCount: 1, Rows: [][]byte{row}},
		},
	})

	st := newFakeSnapshotStore()
	clock := clockid.New("node-a", nil, 0, memPersister{})
	transport := &fakeRecoveryTransport{
		manifest: types.VectorClock{"node-b": 5},
		payload:  payload,
	}

	rc := NewRecoveryCoordinator(RecoveryConfig{
		NodeID:  "node-a",
		DataDir: t.TempDir(),
		Tables:  []TableSpec{{Name: "widgets", PKColumn: "id"}},
	}, clock, st, newFakeRecoveryStore(), &fakeCapture{}, transport, nil)

	donor := &types.PeerRecord{NodeID: "node-b", Address: "127.0.0.1:9"}
	if err := rc.Recover(context.Background(), donor); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if len(st.upserted["widgets"]) != 1 {
		t.Fatalf("expected one row applied to widgets, got %d", len(st.upserted["widgets"]))
	}
	vc, _ := clock.Snapshot()
	if vc["node-b"] != 5 {
		t.Fatalf("expected clock fast-forwarded to donor's manifest, got %v", vc)
	}
}

func TestRecoverFailsCleanlyWhenAuthenticationFails(t *testing.T) {
	st := newFakeSnapshotStore()
	clock := clockid.New("node-a", nil, 0, memPersister{})
	local := newFakeRecoveryStore()
	transport := &fakeRecoveryTransport{authErr: context.DeadlineExceeded}

	rc := NewRecoveryCoordinator(RecoveryConfig{
		NodeID:  "node-a",
		DataDir: t.TempDir(),
		Tables:  []TableSpec{{Name: "widgets", PKColumn: "id"}},
	}, clock, st, local, &fakeCapture{}, transport, nil)

	donor := &types.PeerRecord{NodeID: "node-b", Address: "127.0.0.1:9"}
	if err := rc.Recover(context.Background(), donor); err == nil {
		t.Fatal("expected an error when authentication fails")
	}

	var failed bool
	for _, rs := range local.sessions {
		if rs.Phase == types.PhaseFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("expected the recovery session to be persisted in the FAILED phase")
	}
}

// fakeSnapshotStore is a minimal store.Store covering just the methods
// RecoveryCoordinator uses (DumpTableRows/UpsertSnapshotRow); every other
// method falls through to the embedded fakeStore.
type fakeSnapshotStore struct {
	*fakeStore
	tables   map[string][][]byte
	upserted map[string][][]byte
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{
		fakeStore: newFakeStore(),
		tables:    make(map[string][][]byte),
		upserted:  make(map[string][][]byte),
	}
}

func (f *fakeSnapshotStore) DumpTableRows(ctx context.Context, table string) ([][]byte, error) {
	return f.tables[table], nil
}

func (f *fakeSnapshotStore) UpsertSnapshotRow(ctx context.Context, table, pkColumn string, row []byte) error {
	f.upserted[table] = append(f.upserted[table], row)
	return nil
}
