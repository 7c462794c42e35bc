package localstore

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

func TestPeerRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	peer := &types.PeerRecord{NodeID: "node-b", NodeName: "b", Address: "10.0.0.2:9000"}
	if err := s.UpsertPeer(peer); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetPeer("node-b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Address != peer.Address {
		t.Fatalf("address mismatch: got %s want %s", got.Address, peer.Address)
	}

	if err := s.DeletePeer("node-b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetPeer("node-b"); err == nil {
		t.Fatal("expected error after delete")
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	live := &types.Session{SessionID: "live", ExpiresAt: now.Add(time.Hour)}
	dead := &types.Session{SessionID: "dead", ExpiresAt: now.Add(-time.Hour)}
	if err := s.PutSession(live); err != nil {
		t.Fatalf("put live: %v", err)
	}
	if err := s.PutSession(dead); err != nil {
		t.Fatalf("put dead: %v", err)
	}

	removed, err := s.SweepExpiredSessions(now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := s.GetSession("live"); err != nil {
		t.Fatalf("live session should survive: %v", err)
	}
	if _, err := s.GetSession("dead"); err == nil {
		t.Fatal("dead session should be swept")
	}
}

func TestRateLimitWindowMissingReturnsNil(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	w, err := s.GetRateLimitWindow("1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil for missing window, got %v", w)
	}
}
