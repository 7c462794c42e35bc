package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/warren/pkg/clockid"
	"github.com/cuemby/warren/pkg/syncerr"
	"github.com/cuemby/warren/pkg/types"
)

// schema creates the fixed bookkeeping tables. Table names are part of
// the interop contract and must not change.
const schema = `
CREATE TABLE IF NOT EXISTS sync_nodes (
	node_id TEXT PRIMARY KEY,
	node_name TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	registration_key_hash TEXT NOT NULL,
	capabilities JSONB NOT NULL,
	public_key BYTEA,
	private_key_encrypted BYTEA,
	is_self BOOLEAN NOT NULL DEFAULT false,
	last_seen TIMESTAMPTZ,
	reachability TEXT NOT NULL DEFAULT 'UNKNOWN',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_events (
	event_id TEXT PRIMARY KEY,
	source_node_id TEXT NOT NULL,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	change_data BYTEA,
	before_data BYTEA,
	vector_clock JSONB NOT NULL,
	lamport_clock BIGINT NOT NULL,
	checksum TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 5,
	metadata JSONB NOT NULL,
	quarantined BOOLEAN NOT NULL DEFAULT false,
	quarantine_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sync_events_record_idx ON sync_events (table_name, record_id);
CREATE INDEX IF NOT EXISTS sync_events_lamport_idx ON sync_events (lamport_clock);

CREATE TABLE IF NOT EXISTS sync_event_processed (
	event_id TEXT NOT NULL REFERENCES sync_events(event_id) ON DELETE CASCADE,
	receiver_node_id TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (event_id, receiver_node_id)
);

CREATE TABLE IF NOT EXISTS sync_sessions (
	session_id TEXT PRIMARY KEY,
	peer_node_id TEXT NOT NULL,
	symmetric_key BYTEA NOT NULL,
	established_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ NOT NULL,
	revoked BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS sync_configurations (
	node_id TEXT PRIMARY KEY,
	vector_clock JSONB NOT NULL,
	lamport_clock BIGINT NOT NULL,
	rotation_state BYTEA,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conflict_resolutions (
	id TEXT PRIMARY KEY,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	winner_event_id TEXT NOT NULL,
	loser_event_id TEXT NOT NULL,
	loser_record_id TEXT,
	kind TEXT NOT NULL,
	decided_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS network_partitions (
	partition_id TEXT PRIMARY KEY,
	peers JSONB NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	strategy TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT
);

CREATE TABLE IF NOT EXISTS sync_metrics (
	name TEXT PRIMARY KEY,
	value BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	source_addr TEXT,
	node_id TEXT,
	detail TEXT,
	timestamp TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store against the shared relational database
// identified by DATABASE_URL, using pgx/v5's pool for connection pooling.
type PostgresStore struct {
	pool   *pgxpool.Pool
	nodeID string
}

// Open connects to databaseURL, creates the bookkeeping tables if absent,
// and returns a ready-to-use PostgresStore. nodeID scopes the
// self-identity lookup and clock persistence.
func Open(ctx context.Context, databaseURL, nodeID string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply bookkeeping schema: %w", err)
	}
	return &PostgresStore{pool: pool, nodeID: nodeID}, nil
}

// Ping reports whether the connection pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgxTx adapts a pgx.Tx to the store.Tx interface used inside WithTx.
type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) UpsertRecord(ctx context.Context, table, recordID string, operation types.Operation, data []byte) error {
	if operation == types.OpDelete {
		_, err := t.tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, pgx.Identifier{table}.Sanitize()), recordID)
		return err
	}
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, pgx.Identifier{table}.Sanitize()),
		recordID, data)
	return err
}

func (t *pgxTx) AppendEvent(ctx context.Context, event *types.ChangeEvent) error {
	return execEvent(ctx, func(ctx context.Context, sql string, args ...any) error {
		_, err := t.tx.Exec(ctx, sql, args...)
		return err
	}, event)
}

func (t *pgxTx) MarkProcessed(ctx context.Context, eventID, receiverNodeID string, at time.Time) error {
	return markProcessedExec(ctx, func(ctx context.Context, sql string, args ...any) error {
		_, err := t.tx.Exec(ctx, sql, args...)
		return err
	}, eventID, receiverNodeID, at)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&pgxTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func execEvent(ctx context.Context, exec func(context.Context, string, ...any) error, event *types.ChangeEvent) error {
	vc, err := json.Marshal(event.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal vector clock: %w", err)
	}
	md, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return exec(ctx, `INSERT INTO sync_events
		(event_id, source_node_id, table_name, record_id, operation, change_data, before_data,
		 vector_clock, lamport_clock, checksum, priority, metadata, quarantined, quarantine_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.SourceNodeID, event.TableName, event.RecordID, string(event.Operation),
		event.ChangeData, event.BeforeData, vc, event.LamportClock, event.Checksum, event.Priority,
		md, event.Quarantined, event.QuarantineReason)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *types.ChangeEvent) error {
	return execEvent(ctx, func(ctx context.Context, sql string, args ...any) error {
		_, err := s.pool.Exec(ctx, sql, args...)
		return err
	}, event)
}

func markProcessedExec(ctx context.Context, exec func(context.Context, string, ...any) error, eventID, receiverNodeID string, at time.Time) error {
	return exec(ctx, `INSERT INTO sync_event_processed (event_id, receiver_node_id, processed_at)
		VALUES ($1,$2,$3) ON CONFLICT (event_id, receiver_node_id) DO UPDATE SET processed_at = EXCLUDED.processed_at`,
		eventID, receiverNodeID, at)
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID, receiverNodeID string, at time.Time) error {
	return markProcessedExec(ctx, func(ctx context.Context, sql string, args ...any) error {
		_, err := s.pool.Exec(ctx, sql, args...)
		return err
	}, eventID, receiverNodeID, at)
}

func (s *PostgresStore) IsProcessed(ctx context.Context, eventID, receiverNodeID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM sync_event_processed WHERE event_id=$1 AND receiver_node_id=$2)`,
		eventID, receiverNodeID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) QuarantineEvent(ctx context.Context, eventID, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_events SET quarantined = true, quarantine_reason = $2 WHERE event_id = $1`,
		eventID, reason)
	return err
}

func (s *PostgresStore) EventsSince(ctx context.Context, peerNodeID string, sinceLamport uint64, maxBatch int) ([]*types.ChangeEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.event_id, e.source_node_id, e.table_name, e.record_id, e.operation, e.change_data,
		       e.before_data, e.vector_clock, e.lamport_clock, e.checksum, e.priority, e.metadata,
		       e.quarantined, e.quarantine_reason,
		       (p.event_id IS NOT NULL) AS processed
		FROM sync_events e
		LEFT JOIN sync_event_processed p ON p.event_id = e.event_id AND p.receiver_node_id = $1
		WHERE e.lamport_clock > $2 AND e.quarantined = false AND e.source_node_id <> $1
		  AND p.event_id IS NULL
		ORDER BY e.priority DESC, e.lamport_clock ASC
		LIMIT $3`, peerNodeID, sinceLamport, maxBatch)
	if err != nil {
		return nil, fmt.Errorf("query events since: %w", err)
	}
	defer rows.Close()

	var out []*types.ChangeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EventsForRecord(ctx context.Context, table, recordID string) ([]*types.ChangeEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, source_node_id, table_name, record_id, operation, change_data,
		       before_data, vector_clock, lamport_clock, checksum, priority, metadata,
		       quarantined, quarantine_reason, false
		FROM sync_events WHERE table_name = $1 AND record_id = $2 AND quarantined = false
		ORDER BY lamport_clock DESC`, table, recordID)
	if err != nil {
		return nil, fmt.Errorf("query events for record: %w", err)
	}
	defer rows.Close()

	var out []*types.ChangeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecentEventsBySource(ctx context.Context, sourceNodeID string, limit int) ([]*types.ChangeEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, source_node_id, table_name, record_id, operation, change_data,
		       before_data, vector_clock, lamport_clock, checksum, priority, metadata,
		       quarantined, quarantine_reason, false
		FROM sync_events WHERE source_node_id = $1
		ORDER BY lamport_clock DESC
		LIMIT $2`, sourceNodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events by source: %w", err)
	}
	defer rows.Close()

	var out []*types.ChangeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TruncateEventsFromSource(ctx context.Context, sourceNodeID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sync_events WHERE source_node_id = $1`, sourceNodeID)
	if err != nil {
		return 0, fmt.Errorf("truncate events from source: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*types.ChangeEvent, error) {
	var ev types.ChangeEvent
	var vcRaw, mdRaw []byte
	var op string
	if err := row.Scan(&ev.EventID, &ev.SourceNodeID, &ev.TableName, &ev.RecordID, &op,
		&ev.ChangeData, &ev.BeforeData, &vcRaw, &ev.LamportClock, &ev.Checksum, &ev.Priority,
		&mdRaw, &ev.Quarantined, &ev.QuarantineReason, &ev.Processed); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.Operation = types.Operation(op)
	if err := json.Unmarshal(vcRaw, &ev.VectorClock); err != nil {
		return nil, fmt.Errorf("unmarshal vector clock: %w", err)
	}
	if err := json.Unmarshal(mdRaw, &ev.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &ev, nil
}

// PruneProcessedEvents implements hybrid retention: a row is deleted
// once every known peer has acked it OR it is past the age cap,
// whichever comes first. The age cap is the safety valve — a departed
// peer that never acks cannot hold the log hostage forever. With no
// known peers only the age clause applies, otherwise zero acks would
// count as "acked by all".
func (s *PostgresStore) PruneProcessedEvents(ctx context.Context, olderThan time.Time, ackedByAllPeers []string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_events e
		WHERE e.created_at < $1
		   OR ($2 > 0 AND (
			SELECT COUNT(DISTINCT p.receiver_node_id)
			FROM sync_event_processed p WHERE p.event_id = e.event_id
		   ) >= $2)`, olderThan, len(ackedByAllPeers))
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) LoadIdentity(ctx context.Context) (*types.NodeIdentity, error) {
	var id types.NodeIdentity
	var capsRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT node_id, node_name, host, port, registration_key_hash, capabilities, public_key, private_key_encrypted, created_at
		FROM sync_nodes WHERE is_self = true LIMIT 1`).
		Scan(&id.NodeID, &id.NodeName, &id.Host, &id.Port, &id.RegistrationKeyHash, &capsRaw, &id.PublicKey, &id.PrivateKeyEncrypted, &id.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, clockid.ErrNoIdentity
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if err := json.Unmarshal(capsRaw, &id.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return &id, nil
}

func (s *PostgresStore) SaveIdentity(ctx context.Context, identity *types.NodeIdentity) error {
	caps, err := json.Marshal(identity.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_nodes (node_id, node_name, host, port, registration_key_hash, capabilities, public_key, private_key_encrypted, is_self, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,true,now())
		ON CONFLICT (node_id) DO NOTHING`,
		identity.NodeID, identity.NodeName, identity.Host, identity.Port, identity.RegistrationKeyHash,
		caps, identity.PublicKey, identity.PrivateKeyEncrypted)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertPeerNode(ctx context.Context, peer *types.PeerRecord) error {
	caps, err := json.Marshal(peer.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_nodes (node_id, node_name, host, port, registration_key_hash, capabilities, is_self, last_seen, reachability, created_at)
		VALUES ($1,$2,$3,0,'',$4,false,$5,$6,now())
		ON CONFLICT (node_id) DO UPDATE SET
			node_name = EXCLUDED.node_name, host = EXCLUDED.host, capabilities = EXCLUDED.capabilities,
			last_seen = EXCLUDED.last_seen, reachability = EXCLUDED.reachability`,
		peer.NodeID, peer.NodeName, peer.Address, caps, peer.LastSeen, string(peer.Reachability))
	if err != nil {
		return fmt.Errorf("upsert peer node: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListKnownNodes(ctx context.Context) ([]*types.PeerRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, node_name, host, capabilities, last_seen, reachability
		FROM sync_nodes WHERE is_self = false`)
	if err != nil {
		return nil, fmt.Errorf("list known nodes: %w", err)
	}
	defer rows.Close()

	var out []*types.PeerRecord
	for rows.Next() {
		var p types.PeerRecord
		var capsRaw []byte
		var reach string
		if err := rows.Scan(&p.NodeID, &p.NodeName, &p.Address, &capsRaw, &p.LastSeen, &reach); err != nil {
			return nil, fmt.Errorf("scan peer node: %w", err)
		}
		if err := json.Unmarshal(capsRaw, &p.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
		p.Reachability = types.Reachability(reach)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PersistClock(nodeID string, vc types.VectorClock, lamport uint64) error {
	ctx := context.Background()
	raw, err := json.Marshal(vc)
	if err != nil {
		return fmt.Errorf("marshal vector clock: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_configurations (node_id, vector_clock, lamport_clock, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (node_id) DO UPDATE SET vector_clock = EXCLUDED.vector_clock, lamport_clock = EXCLUDED.lamport_clock, updated_at = now()`,
		nodeID, raw, lamport)
	if err != nil {
		return fmt.Errorf("persist clock: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadClock(ctx context.Context, nodeID string) (types.VectorClock, uint64, error) {
	var raw []byte
	var lamport uint64
	err := s.pool.QueryRow(ctx, `SELECT vector_clock, lamport_clock FROM sync_configurations WHERE node_id = $1`, nodeID).Scan(&raw, &lamport)
	if err == pgx.ErrNoRows {
		return types.VectorClock{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load clock: %w", err)
	}
	var vc types.VectorClock
	if err := json.Unmarshal(raw, &vc); err != nil {
		return nil, 0, fmt.Errorf("unmarshal vector clock: %w", err)
	}
	return vc, lamport, nil
}

func (s *PostgresStore) PersistRotationState(ctx context.Context, nodeID string, state []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_configurations (node_id, vector_clock, lamport_clock, rotation_state, updated_at)
		VALUES ($1, '{}', 0, $2, now())
		ON CONFLICT (node_id) DO UPDATE SET rotation_state = EXCLUDED.rotation_state, updated_at = now()`,
		nodeID, state)
	return err
}

func (s *PostgresStore) LoadRotationState(ctx context.Context, nodeID string) ([]byte, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT rotation_state FROM sync_configurations WHERE node_id = $1`, nodeID).Scan(&state)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return state, err
}

func (s *PostgresStore) SaveSession(ctx context.Context, session *types.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_sessions (session_id, peer_node_id, symmetric_key, established_at, expires_at, last_used_at, revoked)
		VALUES ($1,$2,$3,$4,$5,$6,false)
		ON CONFLICT (session_id) DO UPDATE SET expires_at = EXCLUDED.expires_at, last_used_at = EXCLUDED.last_used_at`,
		session.SessionID, session.PeerNodeID, session.SymmetricKey, session.EstablishedAt, session.ExpiresAt, session.LastUsedAt)
	return err
}

// LoadSession loads a session by id. A revoked session is rejected outright
// (no caller has a legitimate use for it). An expired-but-unrevoked session
// is still returned alongside syncerr.ErrSessionExpired rather than a bare
// not-found, so callers that need to audit the rejection still have the
// peer node id to attribute it to.
func (s *PostgresStore) LoadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var sess types.Session
	var revoked bool
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, peer_node_id, symmetric_key, established_at, expires_at, last_used_at, revoked
		FROM sync_sessions WHERE session_id = $1`, sessionID).
		Scan(&sess.SessionID, &sess.PeerNodeID, &sess.SymmetricKey, &sess.EstablishedAt, &sess.ExpiresAt, &sess.LastUsedAt, &revoked)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrSessionRevoked, sessionID)
	}
	if sess.Expired(time.Now()) {
		return &sess, syncerr.ErrSessionExpired
	}
	return &sess, nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sync_sessions SET revoked = true WHERE session_id = $1`, sessionID)
	return err
}

func (s *PostgresStore) SweepExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sync_sessions WHERE expires_at < $1 OR revoked = true`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, type, source_addr, node_id, detail, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, string(entry.Type), entry.SourceAddr, entry.NodeID, entry.Detail, entry.Timestamp)
	return err
}

func (s *PostgresStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_logs WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AppendConflictResolution(ctx context.Context, cr *types.ConflictResolution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conflict_resolutions (id, table_name, record_id, winner_event_id, loser_event_id, loser_record_id, kind, decided_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		cr.ID, cr.TableName, cr.RecordID, cr.WinnerEventID, cr.LoserEventID, cr.LoserRecordID, string(cr.Kind), cr.DecidedAt)
	return err
}

func (s *PostgresStore) OpenPartition(ctx context.Context, p *types.PartitionRecord) error {
	peers, err := json.Marshal(p.Peers)
	if err != nil {
		return fmt.Errorf("marshal peers: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO network_partitions (partition_id, peers, detected_at, strategy, status, reason)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.PartitionID, peers, p.DetectedAt, string(p.Strategy), string(p.Status), p.Reason)
	return err
}

func (s *PostgresStore) ResolvePartition(ctx context.Context, partitionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE network_partitions SET status = $2, resolved_at = $3 WHERE partition_id = $1`,
		partitionID, string(types.PartitionResolved), at)
	return err
}

func (s *PostgresStore) ListOpenPartitions(ctx context.Context) ([]*types.PartitionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT partition_id, peers, detected_at, strategy, status, reason FROM network_partitions WHERE status = $1`,
		string(types.PartitionOpen))
	if err != nil {
		return nil, fmt.Errorf("list open partitions: %w", err)
	}
	defer rows.Close()

	var out []*types.PartitionRecord
	for rows.Next() {
		var p types.PartitionRecord
		var peersRaw []byte
		var strategy, status string
		if err := rows.Scan(&p.PartitionID, &peersRaw, &p.DetectedAt, &strategy, &status, &p.Reason); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		if err := json.Unmarshal(peersRaw, &p.Peers); err != nil {
			return nil, fmt.Errorf("unmarshal peers: %w", err)
		}
		p.Strategy, p.Status = types.PartitionStrategy(strategy), types.PartitionStatus(status)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IncrMetric(ctx context.Context, name string, delta int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_metrics (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = sync_metrics.value + EXCLUDED.value`, name, delta)
	return err
}

func (s *PostgresStore) GetMetric(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `SELECT value FROM sync_metrics WHERE name = $1`, name).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return v, err
}

// DumpTableRows returns every row of table as canonical JSON objects, for
// the donor side of the bulk snapshot protocol.
func (s *PostgresStore) DumpTableRows(ctx context.Context, table string) ([][]byte, error) {
	ident := pgx.Identifier{table}.Sanitize()
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT row_to_json(t) FROM %s t`, ident))
	if err != nil {
		return nil, fmt.Errorf("dump table %s: %w", table, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan dumped row: %w", err)
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

// UpsertSnapshotRow applies one snapshot row with insert-or-overwrite
// semantics keyed on pkColumn, for the joiner side of the bulk snapshot
// protocol. Idempotent and safe to retry.
func (s *PostgresStore) UpsertSnapshotRow(ctx context.Context, table, pkColumn string, row []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return fmt.Errorf("unmarshal snapshot row: %w", err)
	}
	if _, ok := fields[pkColumn]; !ok {
		return fmt.Errorf("snapshot row missing primary key column %s", pkColumn)
	}

	ident := pgx.Identifier{table}.Sanitize()
	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}

	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		colIdent := pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = fields[col]
		if col != pkColumn {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", colIdent, colIdent))
		}
	}

	quotedCols := make([]string, len(cols))
	for i, col := range cols {
		quotedCols[i] = pgx.Identifier{col}.Sanitize()
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		ident,
		strings.Join(quotedCols, ", "),
		strings.Join(placeholders, ", "),
		pgx.Identifier{pkColumn}.Sanitize(),
		strings.Join(updates, ", "),
	)
	_, err := s.pool.Exec(ctx, query, args...)
	return err
}
