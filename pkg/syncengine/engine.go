// Package syncengine implements the Sync Engine: a per-peer state
// machine that authenticates, pulls, applies, and pushes ChangeEvents on
// a schedule, plus the deterministic Conflict Resolver it invokes on
// concurrent writes.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warren/pkg/clockid"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/security"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/syncerr"
	"github.com/cuemby/warren/pkg/types"
)

// State is a per-peer sync cycle state.
type State string

const (
	StateIdle           State = "IDLE"
	StateAuthenticating State = "AUTHENTICATING"
	StateSessioned      State = "SESSIONED"
	StateSyncing        State = "SYNCING"
	StateFailed         State = "FAILED"
)

const (
	defaultTickInterval = 30 * time.Second
	defaultMaxBatchSize = 100
	baseBackoff         = time.Second
	maxBackoff          = 5 * time.Minute
)

// Transport is everything the engine needs to talk to a peer over the
// network. pkg/wire provides the concrete implementation; defining the
// interface here keeps syncengine testable without a real socket.
type Transport interface {
	// Authenticate runs the full challenge-response handshake and key
	// agreement against peer, returning the resulting session.
	Authenticate(ctx context.Context, peer *types.PeerRecord) (*types.Session, error)
	// PullEvents asks peer for events with lamportClock > sinceLamport,
	// ordered by (priority DESC, lamportClock ASC), bounded by maxBatch.
	PullEvents(ctx context.Context, peer *types.PeerRecord, session *types.Session, sinceLamport uint64, maxBatch int) ([]*types.ChangeEvent, error)
	// PushEvents sends this node's events to peer, returning the event
	// ids the peer acknowledged as processed.
	PushEvents(ctx context.Context, peer *types.PeerRecord, session *types.Session, batch []*types.ChangeEvent) ([]string, error)
}

// PeerSource supplies the current known-peer set, normally pkg/discovery.
type PeerSource interface {
	Peers() []*types.PeerRecord
}

// Config configures an Engine.
type Config struct {
	NodeID          string
	RegistrationKey string
	TickInterval    time.Duration
	MaxBatchSize    int
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
}

// peerState is the engine's private bookkeeping for one peer.
type peerState struct {
	state         State
	session       *types.Session
	pullWatermark uint64
	pushWatermark uint64
	backoff       time.Duration
	nextAttemptAt time.Time
}

// Engine is the Sync Engine.
type Engine struct {
	cfg       Config
	clock     *clockid.Clock
	st        store.Store
	security  *security.Manager
	transport Transport
	peers     PeerSource
	broker    *events.Broker

	mu         sync.Mutex
	peerStates map[string]*peerState
}

// New constructs an Engine. Call Run to start the per-peer tick loop.
func New(cfg Config, clock *clockid.Clock, st store.Store, sec *security.Manager, transport Transport, peers PeerSource, broker *events.Broker) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:        cfg,
		clock:      clock,
		st:         st,
		security:   sec,
		transport:  transport,
		peers:      peers,
		broker:     broker,
		peerStates: make(map[string]*peerState),
	}
}

// Run drives the tick loop until ctx is canceled. It also reacts
// immediately to peer-reachable and local-change signals from the
// broker, rather than waiting for the next scheduled tick.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	var sub events.Subscriber
	if e.broker != nil {
		sub = e.broker.Subscribe()
		defer e.broker.Unsubscribe(sub)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tickAll(ctx)
		case evt, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			switch evt.Type {
			case events.EventPeerReachable, events.EventLocalChangeCaptured:
				e.tickAll(ctx)
			case events.EventKeyRotated:
				// Cached sessions may be keyed to the retiring
				// registration key; drop them so the next cycle
				// re-authenticates under whichever key is now valid.
				e.invalidateSessions()
			}
		}
	}
}

func (e *Engine) tickAll(ctx context.Context) {
	if e.peers == nil {
		return
	}
	now := time.Now()
	for _, peer := range e.peers.Peers() {
		if peer.Reachability != types.ReachabilityReachable {
			continue
		}
		st := e.stateFor(peer.NodeID)
		if now.Before(st.nextAttemptAt) {
			continue
		}
		e.RunCycle(ctx, peer)
	}
}

func (e *Engine) invalidateSessions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.peerStates {
		st.session = nil
	}
}

func (e *Engine) stateFor(nodeID string) *peerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.peerStates[nodeID]
	if !ok {
		st = &peerState{state: StateIdle}
		e.peerStates[nodeID] = st
	}
	return st
}

// RunCycle runs one full authenticate/pull/apply/push cycle against peer.
// It never blocks past the cycle; transport failures abort the cycle,
// trigger backoff, and leave all local state intact.
func (e *Engine) RunCycle(ctx context.Context, peer *types.PeerRecord) {
	logger := log.WithPeerID(peer.NodeID)
	st := e.stateFor(peer.NodeID)

	if st.session == nil || st.session.Expired(time.Now()) {
		st.state = StateAuthenticating
		session, err := e.transport.Authenticate(ctx, peer)
		if err != nil {
			logger.Warn().Err(err).Msg("authentication failed")
			e.fail(st)
			return
		}
		st.session = session
	}
	st.state = StateSessioned
	st.state = StateSyncing

	if err := e.pull(ctx, peer, st); err != nil {
		logger.Warn().Err(err).Msg("pull phase failed")
		e.fail(st)
		return
	}
	if err := e.push(ctx, peer, st); err != nil {
		logger.Warn().Err(err).Msg("push phase failed")
		e.fail(st)
		return
	}

	st.state = StateIdle
	st.backoff = 0
	st.nextAttemptAt = time.Time{}
}

func (e *Engine) fail(st *peerState) {
	st.state = StateFailed
	if st.backoff == 0 {
		st.backoff = baseBackoff
	} else {
		st.backoff *= 2
	}
	if st.backoff > maxBackoff {
		st.backoff = maxBackoff
	}
	st.nextAttemptAt = time.Now().Add(st.backoff)
}

// pull requests events newer than our pull watermark for peer and
// applies each in order.
func (e *Engine) pull(ctx context.Context, peer *types.PeerRecord, st *peerState) error {
	batch, err := e.transport.PullEvents(ctx, peer, st.session, st.pullWatermark, e.cfg.MaxBatchSize)
	if err != nil {
		return fmt.Errorf("pull events: %w", err)
	}

	logger := log.WithPeerID(peer.NodeID)
	failed := false
	for _, evt := range batch {
		err := e.applyEvent(ctx, evt)
		switch syncerr.Classify(err) {
		case syncerr.KindUnknown:
			if err != nil {
				// Per-event apply failure: log and skip, don't advance
				// the watermark past it so it's retried next cycle.
				logger.Warn().Err(err).Str("event_id", evt.EventID).Msg("apply failed, will retry")
				failed = true
				continue
			}
		case syncerr.KindChecksumMismatch, syncerr.KindAuthFailed:
			// Checksum/identity failures quarantine the event
			// permanently (the store's quarantine flag is the
			// quarantine set); the watermark is safe to skip past it
			// since it will never be re-applied.
			logger.Error().Err(err).Str("event_id", evt.EventID).Msg("quarantined incoming event")
		}
		if !failed {
			st.pullWatermark = evt.LamportClock
		}
	}
	return nil
}

// ApplyBatch applies a batch of events pushed by an initiating peer, the
// way pull applies events it requested itself. pkg/wire's server side
// calls this when handling an EVENT_BATCH message sent unsolicited by a
// peer's push phase.
func (e *Engine) ApplyBatch(ctx context.Context, sourcePeerID string, batch []*types.ChangeEvent) error {
	st := e.stateFor(sourcePeerID)
	logger := log.WithPeerID(sourcePeerID)
	for _, evt := range batch {
		err := e.applyEvent(ctx, evt)
		if err != nil && syncerr.Classify(err) == syncerr.KindUnknown {
			logger.Warn().Err(err).Str("event_id", evt.EventID).Msg("apply failed, will retry")
			continue
		}
		if evt.LamportClock > st.pullWatermark {
			st.pullWatermark = evt.LamportClock
		}
	}
	return nil
}

// PeerWatermark reports the engine's current pull/push lamport
// watermarks for nodeID, used by the Partition Detector's sync-lag
// signal. ok is false if no cycle has ever run against nodeID.
func (e *Engine) PeerWatermark(nodeID string) (pull, push uint64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, exists := e.peerStates[nodeID]
	if !exists {
		return 0, 0, false
	}
	return st.pullWatermark, st.pushWatermark, true
}

// SessionFor returns the engine's current live session for nodeID, or
// nil if none is established. The Partition Detector uses this to
// piggyback a consistency check onto the channel the engine already
// authenticated, instead of opening a second one.
func (e *Engine) SessionFor(nodeID string) *types.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, exists := e.peerStates[nodeID]
	if !exists || st.session == nil || st.session.Expired(time.Now()) {
		return nil
	}
	return st.session
}

// applyEvent implements apply-phase steps (a)-(e) for a single incoming
// event.
func (e *Engine) applyEvent(ctx context.Context, evt *types.ChangeEvent) error {
	if evt.Operation != types.OpDelete && clockid.Checksum(evt.ChangeData) != evt.Checksum {
		e.quarantine(ctx, evt, types.AuditChecksumMismatch, "checksum mismatch")
		return syncerr.Wrap("syncengine", syncerr.ErrChecksumMismatch)
	}
	if e.security != nil && !e.security.VerifyEventOrigin(evt.Metadata.RegistrationKeyHash, evt.SourceNodeID) {
		e.quarantine(ctx, evt, types.AuditKeyHashMismatch, "registration key hash mismatch")
		return syncerr.Wrap("syncengine", syncerr.ErrKeyHashMismatch)
	}
	if len(evt.Metadata.Signature) > 0 {
		if pub := e.publicKeyFor(evt.SourceNodeID); len(pub) > 0 && !clockid.VerifyEventSignature(pub, evt.EventID, evt.Metadata.Signature) {
			e.quarantine(ctx, evt, types.AuditSignatureInvalid, "event signature invalid")
			return syncerr.Wrap("syncengine", syncerr.ErrSignatureInvalid)
		}
	}

	known, err := e.st.EventsForRecord(ctx, evt.TableName, evt.RecordID)
	if err != nil {
		return fmt.Errorf("load known events for record: %w", err)
	}

	var concurrent *types.ChangeEvent
	after := true
	for _, k := range known {
		if k.EventID == evt.EventID {
			continue
		}
		switch clockid.Compare(k.VectorClock, evt.VectorClock) {
		case types.OrderConcurrent:
			concurrent = k
		case types.OrderAfter:
			after = false
		}
	}

	return e.st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return fmt.Errorf("journal incoming event: %w", err)
		}
		if concurrent != nil {
			cr := Resolve(concurrent, evt)
			if err := ApplyResolution(ctx, tx, cr, eventByID(cr.WinnerEventID, concurrent, evt), eventByID(cr.LoserEventID, concurrent, evt)); err != nil {
				return err
			}
			if err := e.st.AppendConflictResolution(ctx, cr); err != nil {
				return fmt.Errorf("append conflict resolution: %w", err)
			}
		} else if after {
			if err := tx.UpsertRecord(ctx, evt.TableName, evt.RecordID, evt.Operation, evt.ChangeData); err != nil {
				return fmt.Errorf("apply event to business table: %w", err)
			}
		}
		if _, _, err := e.clock.Merge(evt.VectorClock, evt.LamportClock); err != nil {
			return fmt.Errorf("merge clock: %w", err)
		}
		return tx.MarkProcessed(ctx, evt.EventID, e.cfg.NodeID, time.Now())
	})
}

// publicKeyFor resolves a source node's Ed25519 public key from the
// discovered-peer table, or nil if the peer is unknown or has never
// announced one. Verification is skipped for unknown keys rather than
// failing: a signature can only be checked against a key learned from
// the peer's own authenticated announcements.
func (e *Engine) publicKeyFor(nodeID string) []byte {
	if e.peers == nil {
		return nil
	}
	for _, p := range e.peers.Peers() {
		if p.NodeID == nodeID {
			return p.PublicKey
		}
	}
	return nil
}

func eventByID(id string, a, b *types.ChangeEvent) *types.ChangeEvent {
	if a.EventID == id {
		return a
	}
	return b
}

func (e *Engine) quarantine(ctx context.Context, evt *types.ChangeEvent, auditType types.AuditEventType, reason string) {
	if err := e.st.QuarantineEvent(ctx, evt.EventID, reason); err != nil {
		l := log.WithComponent("syncengine")
		l.Error().Err(err).Str("event_id", evt.EventID).Msg("failed to quarantine event")
	}
	_ = e.st.AppendAudit(ctx, &types.AuditEntry{
		ID:         uuid.New().String(),
		Type:       auditType,
		SourceAddr: evt.SourceNodeID,
		NodeID:     evt.SourceNodeID,
		Detail:     reason,
		Timestamp:  time.Now(),
	})
}

// push sends this node's events that peer has not yet processed.
func (e *Engine) push(ctx context.Context, peer *types.PeerRecord, st *peerState) error {
	batch, err := e.st.EventsSince(ctx, peer.NodeID, st.pushWatermark, e.cfg.MaxBatchSize)
	if err != nil {
		return fmt.Errorf("load unprocessed-for-peer events: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}
	acked, err := e.transport.PushEvents(ctx, peer, st.session, batch)
	if err != nil {
		return fmt.Errorf("push events: %w", err)
	}

	ackedSet := make(map[string]struct{}, len(acked))
	for _, id := range acked {
		ackedSet[id] = struct{}{}
	}
	logger := log.WithPeerID(peer.NodeID)
	for _, evt := range batch {
		if _, ok := ackedSet[evt.EventID]; !ok {
			continue
		}
		// Persist the per-(event, receiver) bookkeeping so retention
		// pruning can see which peers have acked; the in-memory
		// watermark alone dies with the process.
		if err := e.st.MarkProcessed(ctx, evt.EventID, peer.NodeID, time.Now()); err != nil {
			logger.Warn().Err(err).Str("event_id", evt.EventID).Msg("failed to record peer ack")
			continue
		}
		if evt.LamportClock > st.pushWatermark {
			st.pushWatermark = evt.LamportClock
		}
	}
	return nil
}
