package partition

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warren/pkg/clockid"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/syncerr"
	"github.com/cuemby/warren/pkg/types"
)

// TableSpec names one business table the bulk snapshot protocol dumps and
// applies, and the column its primary key lives in (UpsertSnapshotRow
// needs it to build the ON CONFLICT clause).
type TableSpec struct {
	Name     string
	PKColumn string
}

// Capture toggles change-event capture off for the duration of a donor
// export, so the dump reflects one consistent point in time instead of
// interleaving with concurrent local writes. pkg/tracker.Tracker satisfies
// this.
type Capture interface {
	Enable()
	Disable()
}

// RecoverySessionStore persists in-flight recovery bookkeeping locally so
// a restart mid-transfer fails cleanly instead of leaving an orphaned
// RecoverySession nobody remembers. pkg/localstore.Store satisfies this.
type RecoverySessionStore interface {
	PutRecoverySession(rs *types.RecoverySession) error
	GetRecoverySession(sessionID string) (*types.RecoverySession, error)
	DeleteRecoverySession(sessionID string) error
}

// Transport is everything RecoveryCoordinator needs from the network to
// play the joiner side of the bulk snapshot protocol. pkg/wire.Client
// satisfies this.
type Transport interface {
	Authenticate(ctx context.Context, peer *types.PeerRecord) (*types.Session, error)
	FetchSnapshot(ctx context.Context, peer *types.PeerRecord, session *types.Session, sessionID string, lastKnownLamport uint64, destPath string) (manifest types.VectorClock, bytesReceived int64, err error)
}

// RecoveryConfig configures a RecoveryCoordinator.
type RecoveryConfig struct {
	NodeID string
	// DataDir is where snapshot export/import files are staged, under a
	// "backups" subdirectory.
	DataDir string
	Tables  []TableSpec
}

// RecoveryCoordinator implements the bulk snapshot protocol: donor-side
// export (ExportSnapshot, invoked by pkg/wire's server when it receives
// SNAPSHOT_REQUEST) and joiner-side recovery (Recover,
// driving REQUESTED -> TRANSFERRING -> APPLYING ->
// COMPLETE/FAILED end to end).
type RecoveryCoordinator struct {
	cfg       RecoveryConfig
	clock     *clockid.Clock
	st        store.Store
	local     RecoverySessionStore
	capture   Capture
	transport Transport
	broker    *events.Broker
	stats     *RecoveryStats
}

// NewRecoveryCoordinator constructs a RecoveryCoordinator.
func NewRecoveryCoordinator(cfg RecoveryConfig, clock *clockid.Clock, st store.Store, local RecoverySessionStore, capture Capture, transport Transport, broker *events.Broker) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		cfg:       cfg,
		clock:     clock,
		st:        st,
		local:     local,
		capture:   capture,
		transport: transport,
		broker:    broker,
		stats:     NewRecoveryStats(),
	}
}

// Stats returns the running recovery-outcome summary, for the admin
// status surface to serialize.
func (r *RecoveryCoordinator) Stats() RecoverySummary {
	return r.stats.Snapshot()
}

func (r *RecoveryCoordinator) snapshotPath(sessionID string) string {
	return filepath.Join(r.cfg.DataDir, "backups", fmt.Sprintf("sync-snapshot-%s.dat", sessionID))
}

// ExportSnapshot is the donor side of the protocol: pkg/wire's Server
// calls this when it receives SNAPSHOT_REQUEST, with capture disabled for
// the duration so the dump is a consistent point-in-time view rather than
// a moving target. lastKnownLamport is currently advisory only - a full
// dump is always produced, since the business tables carry no per-row
// change history to diff against.
func (r *RecoveryCoordinator) ExportSnapshot(ctx context.Context, sessionID string, lastKnownLamport uint64) (path string, bytesTotal int64, manifest types.VectorClock, err error) {
	logger := log.WithComponent("partition")
	if r.capture != nil {
		r.capture.Disable()
		defer r.capture.Enable()
	}

	segments := make([]TableSegment, 0, len(r.cfg.Tables))
	for _, t := range r.cfg.Tables {
		rows, err := r.st.DumpTableRows(ctx, t.Name)
		if err != nil {
			return "", 0, nil, fmt.Errorf("dump table %s: %w", t.Name, err)
		}
		segments = append(segments, TableSegment{TableName: t.Name, RowCount: len(rows), Rows: rows})
	}

	vc, _ := r.clock.Snapshot()
	sf := &File{
		Header: SnapshotHeader{
			Version:       snapshotVersion,
			DonorNodeID:   r.cfg.NodeID,
			CreatedAt:     time.Now(),
			ClockManifest: vc,
		},
		Segments: segments,
	}

	path = r.snapshotPath(sessionID)
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return "", 0, nil, err
	}
	if err := WriteFile(path, sf); err != nil {
		return "", 0, nil, err
	}
	size, err := fileSize(path)
	if err != nil {
		return "", 0, nil, err
	}

	logger.Info().Str("session_id", sessionID).Int("tables", len(segments)).Int64("bytes", size).Msg("exported bulk snapshot")
	return path, size, vc, nil
}

// Recover is the joiner side: it authenticates to donor, pulls a full
// snapshot, applies every row with an idempotent upsert-by-primary-key,
// and fast-forwards this node's clock to the donor's manifest. It is
// invoked when this node is newly joining, or when a detected partition's
// recovery strategy names donor as authoritative.
func (r *RecoveryCoordinator) Recover(ctx context.Context, donor *types.PeerRecord) (err error) {
	logger := log.WithComponent("partition").With().Str("donor", donor.NodeID).Logger()
	sessionID := uuid.New().String()
	_, lastLamport := r.clock.Snapshot()

	rs := &types.RecoverySession{
		SessionID:        sessionID,
		DonorNodeID:      donor.NodeID,
		Phase:            types.PhaseRequested,
		StartedAt:        time.Now(),
		LastKnownLamport: lastLamport,
	}
	r.saveSession(rs)
	r.publish(events.EventRecoveryStarted, sessionID)

	timer := metrics.NewTimer()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.RecoverySessionsTotal.WithLabelValues(outcome).Inc()
		if err == nil {
			timer.ObserveDuration(metrics.RecoveryDuration)
			r.stats.RecordSuccess(timer.Duration())
		}
	}()

	fail := func(stage string, cause error) error {
		rs.Phase = types.PhaseFailed
		rs.FailureReason = fmt.Sprintf("%s: %v", stage, cause)
		r.saveSession(rs)
		r.publish(events.EventRecoveryFailed, sessionID)
		r.stats.RecordFailure(stage)
		logger.Error().Err(cause).Str("stage", stage).Msg("bulk snapshot recovery failed")
		return syncerr.Wrap("partition", fmt.Errorf("%s: %w", stage, cause))
	}

	session, authErr := r.transport.Authenticate(ctx, donor)
	if authErr != nil {
		return fail("authenticate", authErr)
	}

	rs.Phase = types.PhaseTransferring
	r.saveSession(rs)

	destPath := r.snapshotPath(sessionID)
	if err := ensureDir(filepath.Dir(destPath)); err != nil {
		return fail("prepare destination", err)
	}
	manifest, received, fetchErr := r.transport.FetchSnapshot(ctx, donor, session, sessionID, lastLamport, destPath)
	if fetchErr != nil {
		return fail("transfer", fetchErr)
	}
	rs.BytesReceived = received
	rs.BytesTotal = received
	rs.SnapshotFilename = destPath
	r.saveSession(rs)
	metrics.RecoveryBytesTransferred.Add(float64(received))

	rs.Phase = types.PhaseApplying
	r.saveSession(rs)

	sf, readErr := ReadFile(destPath)
	if readErr != nil {
		return fail("read snapshot", readErr)
	}

	pkByTable := make(map[string]string, len(r.cfg.Tables))
	for _, t := range r.cfg.Tables {
		pkByTable[t.Name] = t.PKColumn
	}
	var applied int
	for _, seg := range sf.Segments {
		pk, ok := pkByTable[seg.TableName]
		if !ok {
			continue // table dropped from config since the snapshot was taken
		}
		for _, row := range seg.Rows {
			if err := r.st.UpsertSnapshotRow(ctx, seg.TableName, pk, row); err != nil {
				return fail(fmt.Sprintf("apply row in %s", seg.TableName), err)
			}
			applied++
		}
	}

	if _, _, err := r.clock.Merge(manifest, 0); err != nil {
		return fail("fast-forward clock", err)
	}

	now := time.Now()
	rs.Phase = types.PhaseComplete
	rs.CompletedAt = &now
	r.saveSession(rs)
	r.publish(events.EventRecoveryCompleted, sessionID)
	logger.Info().Int("rows_applied", applied).Int64("bytes", received).Msg("bulk snapshot recovery complete")

	if derr := r.local.DeleteRecoverySession(sessionID); derr != nil {
		logger.Warn().Err(derr).Msg("failed to clear completed recovery session")
	}
	return nil
}

func (r *RecoveryCoordinator) saveSession(rs *types.RecoverySession) {
	if r.local == nil {
		return
	}
	if err := r.local.PutRecoverySession(rs); err != nil {
		l := log.WithComponent("partition")
		l.Warn().Err(err).Str("session_id", rs.SessionID).Msg("failed to persist recovery session")
	}
}

func (r *RecoveryCoordinator) publish(t events.EventType, sessionID string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: t, Message: sessionID})
}
