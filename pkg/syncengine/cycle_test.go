package syncengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/clockid"
	"github.com/cuemby/warren/pkg/security"
	"github.com/cuemby/warren/pkg/types"
)

type fakeTransport struct {
	authErr   error
	pullErr   error
	pushErr   error
	authCalls int
	pulled    []*types.ChangeEvent
	pushed    []*types.ChangeEvent
}

func (f *fakeTransport) Authenticate(ctx context.Context, peer *types.PeerRecord) (*types.Session, error) {
	f.authCalls++
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &types.Session{SessionID: "s1", PeerNodeID: peer.NodeID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTransport) PullEvents(ctx context.Context, peer *types.PeerRecord, session *types.Session, sinceLamport uint64, maxBatch int) ([]*types.ChangeEvent, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return f.pulled, nil
}

func (f *fakeTransport) PushEvents(ctx context.Context, peer *types.PeerRecord, session *types.Session, batch []*types.ChangeEvent) ([]string, error) {
	f.pushed = append(f.pushed, batch...)
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.EventID
	}
	return ids, nil
}

func newTestEngineWithTransport(t *testing.T, st *fakeStore, transport *fakeTransport) *Engine {
	t.Helper()
	clock := clockid.New("node-a", nil, 0, memPersister{})
	sec := security.NewManager(security.Config{NodeID: "node-a", RegistrationKey: "shared-secret"}, &noopAudit{}, &noopSessionStore{})
	return New(Config{NodeID: "node-a", RegistrationKey: "shared-secret"}, clock, st, sec, transport, nil, nil)
}

func TestRunCycleHappyPathReachesIdleAndResetsBackoff(t *testing.T) {
	st := newFakeStore()
	transport := &fakeTransport{}
	e := newTestEngineWithTransport(t, st, transport)
	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}

	e.RunCycle(context.Background(), peer)

	ps := e.stateFor("node-b")
	if ps.state != StateIdle {
		t.Fatalf("expected IDLE after a clean cycle, got %s", ps.state)
	}
	if ps.session == nil {
		t.Fatal("expected a session to be established")
	}
	if transport.authCalls != 1 {
		t.Fatalf("expected exactly one authentication call, got %d", transport.authCalls)
	}
}

func TestRunCycleReusesExistingUnexpiredSession(t *testing.T) {
	st := newFakeStore()
	transport := &fakeTransport{}
	e := newTestEngineWithTransport(t, st, transport)
	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}

	e.RunCycle(context.Background(), peer)
	e.RunCycle(context.Background(), peer)

	if transport.authCalls != 1 {
		t.Fatalf("expected session reuse to skip a second authentication, got %d calls", transport.authCalls)
	}
}

func TestRunCycleAuthFailureTriggersBackoff(t *testing.T) {
	st := newFakeStore()
	transport := &fakeTransport{authErr: errors.New("bad credentials")}
	e := newTestEngineWithTransport(t, st, transport)
	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}

	e.RunCycle(context.Background(), peer)

	ps := e.stateFor("node-b")
	if ps.state != StateFailed {
		t.Fatalf("expected FAILED after auth error, got %s", ps.state)
	}
	if ps.backoff != baseBackoff {
		t.Fatalf("expected backoff to start at base (%s), got %s", baseBackoff, ps.backoff)
	}
	if ps.nextAttemptAt.Before(time.Now()) {
		t.Fatal("expected nextAttemptAt to be in the future")
	}

	// A second consecutive failure should double the backoff.
	ps.nextAttemptAt = time.Time{}
	e.RunCycle(context.Background(), peer)
	if ps.backoff != 2*baseBackoff {
		t.Fatalf("expected backoff to double, got %s", ps.backoff)
	}
}

func TestRunCycleSkipsPushWhenStoreReturnsNoEvents(t *testing.T) {
	st := newFakeStore()
	transport := &fakeTransport{}
	e := newTestEngineWithTransport(t, st, transport)
	peer := &types.PeerRecord{NodeID: "node-b", Reachability: types.ReachabilityReachable}

	evt := changeEventFixture("node-a", "widgets", "w1", types.OpCreate, 1, map[string]any{"name": "a"})
	st.events[evt.EventID] = evt
	// fakeStore.EventsSince isn't wired to a real query; override via a
	// thin wrapper is unnecessary here since push only needs PushEvents
	// to observe whatever EventsSince returns. The base fakeStore returns
	// nil, so this test only exercises the zero-events push-skip path.

	e.RunCycle(context.Background(), peer)

	if len(transport.pushed) != 0 {
		t.Fatalf("expected no events pushed from the stub store, got %d", len(transport.pushed))
	}
}
