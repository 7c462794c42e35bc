// Package tracker implements the Change Tracker: it sits between business
// writes and the shared store, stamping every mutation to a non-excluded
// table with a causality-ordered ChangeEvent in the same transaction as
// the write itself, then signaling the sync engine.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warren/pkg/clockid"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/syncerr"
	"github.com/cuemby/warren/pkg/types"
)

// DefaultExcludedTables is the sync subsystem's own bookkeeping tables
// plus the human-auth tables, neither of which is ever a candidate for
// cross-node replication. Callers' ExcludedTables is additive to this
// set, never a replacement for it: an operator can exclude more tables,
// never fewer.
var DefaultExcludedTables = []string{
	"accounts",
	"sessions",
	"verification_tokens",
	"audit_logs",
	"sync_nodes",
	"sync_events",
	"conflict_resolutions",
	"sync_sessions",
	"network_partitions",
	"sync_metrics",
	"sync_configurations",
}

// Config configures a Tracker.
type Config struct {
	NodeID              string
	NodeVersion         string
	RegistrationKeyHash string
	// ExcludedTables lists additional tables never to capture, beyond
	// DefaultExcludedTables which is always applied.
	ExcludedTables []string
	// SigningKey is the node's Ed25519 private key. When set, every
	// captured event's id is signed and the signature stamped into the
	// event metadata.
	SigningKey []byte
	// OfflineBufferSize bounds the in-memory ring buffer used when Capture
	// is invoked without a reachable store.
	OfflineBufferSize int
}

// Tracker captures local mutations as ChangeEvents.
type Tracker struct {
	cfg     Config
	clock   *clockid.Clock
	broker  *events.Broker
	enabled atomic.Bool
	excl    map[string]struct{}
	offline *ringBuffer
}

// New creates a Tracker. Capture is enabled by default.
func New(cfg Config, clock *clockid.Clock, broker *events.Broker) *Tracker {
	if cfg.OfflineBufferSize <= 0 {
		cfg.OfflineBufferSize = 1000
	}
	excl := make(map[string]struct{}, len(cfg.ExcludedTables)+len(DefaultExcludedTables))
	for _, t := range DefaultExcludedTables {
		excl[t] = struct{}{}
	}
	for _, t := range cfg.ExcludedTables {
		excl[t] = struct{}{}
	}
	tr := &Tracker{
		cfg:     cfg,
		clock:   clock,
		broker:  broker,
		excl:    excl,
		offline: newRingBuffer(cfg.OfflineBufferSize),
	}
	tr.enabled.Store(true)
	return tr
}

// Enable turns on change capture. Business writes always proceed
// regardless of this flag; only event capture is toggled.
func (t *Tracker) Enable() { t.enabled.Store(true) }

// Disable turns off change capture, e.g. while a bulk snapshot restore is
// in progress on this node.
func (t *Tracker) Disable() { t.enabled.Store(false) }

func (t *Tracker) Enabled() bool { return t.enabled.Load() }

func (t *Tracker) isExcluded(table string) bool {
	_, ok := t.excl[table]
	return ok
}

// Capture writes the business row and, unless capture is disabled or the
// table is excluded, an accompanying ChangeEvent, all inside tx. It
// returns the captured event (nil if none was captured) so the caller can
// signal the sync engine once the surrounding transaction has committed.
func (t *Tracker) Capture(ctx context.Context, tx store.Tx, table, recordID string, op types.Operation, changeData, beforeData []byte) (*types.ChangeEvent, error) {
	if err := tx.UpsertRecord(ctx, table, recordID, op, changeData); err != nil {
		return nil, fmt.Errorf("write business record: %w", err)
	}

	if t.isExcluded(table) || !t.enabled.Load() {
		return nil, nil
	}

	if op != types.OpDelete && !json.Valid(changeData) {
		return nil, syncerr.ErrMalformedChangeData
	}

	vc, lamport, err := t.clock.Tick()
	if err != nil {
		return nil, fmt.Errorf("tick clock: %w", err)
	}

	event := &types.ChangeEvent{
		EventID:      uuid.New().String(),
		SourceNodeID: t.cfg.NodeID,
		TableName:    table,
		RecordID:     recordID,
		Operation:    op,
		ChangeData:   changeData,
		BeforeData:   beforeData,
		VectorClock:  vc,
		LamportClock: lamport,
		Checksum:     clockid.Checksum(changeData),
		Priority:     types.DefaultPriority,
		Metadata: types.EventMetadata{
			Timestamp:           time.Now(),
			NodeVersion:         t.cfg.NodeVersion,
			RegistrationKeyHash: t.cfg.RegistrationKeyHash,
			TenantID:            tenantFromContext(ctx),
		},
	}
	if len(t.cfg.SigningKey) > 0 {
		event.Metadata.Signature = clockid.SignEventID(t.cfg.SigningKey, event.EventID)
	}

	if err := tx.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append change event: %w", err)
	}
	return event, nil
}

// Signal notifies the sync engine that event has committed. Callers
// invoke this after the transaction containing Capture has committed
// successfully; it never blocks.
func (t *Tracker) Signal(event *types.ChangeEvent) {
	if event == nil || t.broker == nil {
		return
	}
	t.broker.Publish(&events.Event{
		Type:    events.EventLocalChangeCaptured,
		Message: event.EventID,
		Metadata: map[string]string{
			"table":     event.TableName,
			"record_id": event.RecordID,
		},
	})
}

// CaptureOffline is used when the store is unreachable: the event is held
// in a bounded ring buffer instead of being persisted. Overflow drops the
// oldest entry and logs a warning; this path is never a fatal error.
func (t *Tracker) CaptureOffline(event *types.ChangeEvent) {
	if dropped := t.offline.push(event); dropped {
		l := log.WithComponent("tracker")
		l.Warn().Msg(syncerr.ErrBufferOverflow.Error())
	}
}

// DrainOffline returns and clears all buffered offline events, for replay
// once connectivity to the store returns.
func (t *Tracker) DrainOffline() []*types.ChangeEvent {
	return t.offline.drain()
}

type tenantKey struct{}

// WithTenant attaches a tenant id to ctx for per-tenant event scoping.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

func tenantFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey{}).(string)
	return v
}
