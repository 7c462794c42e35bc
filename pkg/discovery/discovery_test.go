package discovery

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/types"
)

func newTestDiscovery(t *testing.T) *Discovery {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return New(Config{
		NodeID:              "node-a",
		RegistrationKeyHash: "hash-1",
		AnnounceInterval:    time.Millisecond, // shrink windows for fast tests
		UnreachableThreshold: 6,
	}, broker)
}

func TestSelfAnnouncementIsIgnored(t *testing.T) {
	d := newTestDiscovery(t)

	d.handleAnnouncement(announcement{NodeID: "node-a", RegistrationKeyHash: "hash-1", AnnouncementTime: time.Now()})

	if len(d.Peers()) != 0 {
		t.Fatalf("expected self-announcement to be ignored, got %d peers", len(d.Peers()))
	}
}

func TestMismatchedRegistrationKeyHashIsDropped(t *testing.T) {
	d := newTestDiscovery(t)

	d.handleAnnouncement(announcement{NodeID: "node-b", RegistrationKeyHash: "wrong-hash", AnnouncementTime: time.Now()})

	if len(d.Peers()) != 0 {
		t.Fatalf("expected mismatched-hash announcement to be dropped, got %d peers", len(d.Peers()))
	}
}

func TestValidAnnouncementUpdatesPeerRecord(t *testing.T) {
	d := newTestDiscovery(t)

	d.handleAnnouncement(announcement{
		NodeID:              "node-b",
		NodeName:            "b",
		Endpoint:            "10.0.0.2:9000",
		RegistrationKeyHash: "hash-1",
		AnnouncementTime:    time.Now(),
	})

	peer := d.Peer("node-b")
	if peer == nil {
		t.Fatal("expected peer to be recorded")
	}
	if peer.Reachability != types.ReachabilityReachable {
		t.Fatalf("expected REACHABLE, got %s", peer.Reachability)
	}
}

func TestCheckLivenessTransitionsToUnreachable(t *testing.T) {
	d := newTestDiscovery(t)
	d.cfg.AnnounceInterval = time.Millisecond

	d.handleAnnouncement(announcement{
		NodeID:              "node-b",
		RegistrationKeyHash: "hash-1",
		AnnouncementTime:    time.Now().Add(-time.Hour),
	})

	d.checkLiveness()

	peer := d.Peer("node-b")
	if peer.Reachability != types.ReachabilityUnreachable {
		t.Fatalf("expected UNREACHABLE after long silence, got %s", peer.Reachability)
	}
}
