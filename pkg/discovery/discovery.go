// Package discovery implements the Peer Discovery component: a UDP
// broadcast/multicast announcer and listener that maintains a PeerRecord
// table with a liveness state machine (REACHABLE/UNREACHABLE/PARTITIONED).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/types"
)

// announcement is the payload broadcast on the discovery channel.
type announcement struct {
	NodeID              string             `json:"nodeId"`
	NodeName            string             `json:"nodeName"`
	Endpoint            string             `json:"endpoint"`
	Capabilities        types.Capabilities `json:"capabilities"`
	RegistrationKeyHash string             `json:"registrationKeyHash"`
	PublicKey           []byte             `json:"publicKey,omitempty"`
	AnnouncementTime    time.Time          `json:"announcementTime"`
}

// Config configures a Discovery instance.
type Config struct {
	NodeID              string
	NodeName            string
	Endpoint            string
	Capabilities        types.Capabilities
	RegistrationKeyHash string
	// PublicKey is this node's Ed25519 public key, carried in every
	// announcement so peers can verify signed events.
	PublicKey []byte
	// Addr is the UDP broadcast/multicast address, e.g. "255.255.255.255:9999"
	// or a multicast group address.
	Addr string
	// AnnounceInterval is the period between self-announcements (default 10s).
	AnnounceInterval time.Duration
	// UnreachableThreshold is the number of missed intervals before a
	// peer transitions to UNREACHABLE (default 6).
	UnreachableThreshold int
}

func (c *Config) applyDefaults() {
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = 10 * time.Second
	}
	if c.UnreachableThreshold <= 0 {
		c.UnreachableThreshold = 6
	}
}

// Discovery maintains the discovered-peer table via periodic UDP
// announcements and a listener.
type Discovery struct {
	cfg    Config
	broker *events.Broker

	mu    sync.RWMutex
	peers map[string]*types.PeerRecord

	conn *net.UDPConn
}

// New constructs a Discovery instance. Call Start to begin announcing
// and listening.
func New(cfg Config, broker *events.Broker) *Discovery {
	cfg.applyDefaults()
	return &Discovery{
		cfg:    cfg,
		broker: broker,
		peers:  make(map[string]*types.PeerRecord),
	}
}

// Start opens the UDP socket and launches the announce, listen, and
// liveness loops. It blocks until ctx is canceled.
func (d *Discovery) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve discovery address: %w", err)
	}

	var conn *net.UDPConn
	if addr.IP.IsMulticast() {
		// Join the group so announcements sent to it are received.
		conn, err = net.ListenMulticastUDP("udp4", nil, addr)
	} else {
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{Port: addr.Port})
	}
	if err != nil {
		return fmt.Errorf("listen on discovery address: %w", err)
	}
	d.conn = conn

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		d.announceLoop(ctx, addr)
	}()
	go func() {
		defer wg.Done()
		d.listenLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.livenessLoop(ctx)
	}()

	<-ctx.Done()
	conn.Close()
	wg.Wait()
	return nil
}

func (d *Discovery) announceLoop(ctx context.Context, addr *net.UDPAddr) {
	ticker := time.NewTicker(d.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.announce(addr)
		}
	}
}

func (d *Discovery) announce(addr *net.UDPAddr) {
	logger := log.WithComponent("discovery")

	msg := announcement{
		NodeID:              d.cfg.NodeID,
		NodeName:            d.cfg.NodeName,
		Endpoint:            d.cfg.Endpoint,
		Capabilities:        d.cfg.Capabilities,
		RegistrationKeyHash: d.cfg.RegistrationKeyHash,
		PublicKey:           d.cfg.PublicKey,
		AnnouncementTime:    time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Msg("marshal announcement")
		return
	}
	if _, err := d.conn.WriteToUDP(data, addr); err != nil {
		logger.Warn().Err(err).Msg("send announcement")
	}
}

func (d *Discovery) listenLoop(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		var msg announcement
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}
		d.handleAnnouncement(msg)
	}
}

func (d *Discovery) handleAnnouncement(msg announcement) {
	if msg.NodeID == d.cfg.NodeID {
		return // self-announcement, ignore
	}
	if msg.RegistrationKeyHash != d.cfg.RegistrationKeyHash {
		l := log.WithComponent("discovery")
		l.Warn().
			Str("peer_node_id", msg.NodeID).
			Msg("dropped announcement with mismatched registration key hash")
		return
	}

	d.mu.Lock()
	peer, existed := d.peers[msg.NodeID]
	if !existed {
		peer = &types.PeerRecord{NodeID: msg.NodeID}
		d.peers[msg.NodeID] = peer
	}
	wasUnreachable := peer.Reachability == types.ReachabilityUnreachable || peer.Reachability == types.ReachabilityPartitioned
	peer.NodeName = msg.NodeName
	peer.Address = msg.Endpoint
	peer.Capabilities = msg.Capabilities
	if len(msg.PublicKey) > 0 {
		peer.PublicKey = msg.PublicKey
	}
	peer.LastSeen = msg.AnnouncementTime
	peer.Reachability = types.ReachabilityReachable
	peer.MissedBeats = 0
	d.mu.Unlock()

	if !existed || wasUnreachable {
		d.broker.Publish(&events.Event{
			Type:    events.EventPeerReachable,
			Message: msg.NodeID,
		})
	}
}

// livenessLoop periodically checks each known peer's last-seen time and
// transitions peers that have missed too many announce intervals to
// UNREACHABLE.
func (d *Discovery) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkLiveness()
		}
	}
}

func (d *Discovery) checkLiveness() {
	now := time.Now()
	reachableWindow := 3 * d.cfg.AnnounceInterval
	unreachableWindow := time.Duration(d.cfg.UnreachableThreshold) * d.cfg.AnnounceInterval

	d.mu.Lock()
	defer d.mu.Unlock()

	for nodeID, peer := range d.peers {
		sinceLastSeen := now.Sub(peer.LastSeen)
		switch {
		case sinceLastSeen <= reachableWindow:
			peer.Reachability = types.ReachabilityReachable
		case sinceLastSeen <= unreachableWindow:
			peer.MissedBeats++
		default:
			// PARTITIONED is owned by the Partition Detector; liveness
			// only ever downgrades REACHABLE/UNKNOWN peers.
			if peer.Reachability != types.ReachabilityUnreachable && peer.Reachability != types.ReachabilityPartitioned {
				peer.Reachability = types.ReachabilityUnreachable
				d.broker.Publish(&events.Event{Type: events.EventPeerUnreachable, Message: nodeID})
			}
		}
	}
}

// Peers returns a snapshot of all known peers.
func (d *Discovery) Peers() []*types.PeerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*types.PeerRecord, 0, len(d.peers))
	for _, p := range d.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Peer returns a snapshot of a single known peer, or nil if unknown.
func (d *Discovery) Peer(nodeID string) *types.PeerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.peers[nodeID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// MarkPartitioned transitions a peer to PARTITIONED, called by the
// Partition Detector once it confirms a partition beyond simple
// unreachability.
func (d *Discovery) MarkPartitioned(nodeID string) {
	d.mu.Lock()
	peer, ok := d.peers[nodeID]
	if ok {
		peer.Reachability = types.ReachabilityPartitioned
	}
	d.mu.Unlock()

	if ok {
		d.broker.Publish(&events.Event{Type: events.EventPeerPartitioned, Message: nodeID})
	}
}
