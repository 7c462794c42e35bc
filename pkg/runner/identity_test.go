package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/pkg/clockid"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/types"
)

// identityFakeStore implements store.Store with just enough behavior to
// exercise identity load/create: a single identity slot, ErrNoIdentity
// until one is saved.
type identityFakeStore struct {
	identity *types.NodeIdentity
}

func (f *identityFakeStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return fn(nil)
}
func (f *identityFakeStore) LoadIdentity(ctx context.Context) (*types.NodeIdentity, error) {
	if f.identity == nil {
		return nil, clockid.ErrNoIdentity
	}
	return f.identity, nil
}
func (f *identityFakeStore) SaveIdentity(ctx context.Context, identity *types.NodeIdentity) error {
	f.identity = identity
	return nil
}
func (f *identityFakeStore) UpsertPeerNode(ctx context.Context, peer *types.PeerRecord) error {
	return nil
}
func (f *identityFakeStore) ListKnownNodes(ctx context.Context) ([]*types.PeerRecord, error) {
	return nil, nil
}
func (f *identityFakeStore) PersistClock(nodeID string, vc types.VectorClock, lamport uint64) error {
	return nil
}
func (f *identityFakeStore) LoadClock(ctx context.Context, nodeID string) (types.VectorClock, uint64, error) {
	return nil, 0, nil
}
func (f *identityFakeStore) PersistRotationState(ctx context.Context, nodeID string, state []byte) error {
	return nil
}
func (f *identityFakeStore) LoadRotationState(ctx context.Context, nodeID string) ([]byte, error) {
	return nil, nil
}
func (f *identityFakeStore) AppendEvent(ctx context.Context, event *types.ChangeEvent) error {
	return nil
}
func (f *identityFakeStore) EventsSince(ctx context.Context, peerNodeID string, sinceLamport uint64, maxBatch int) ([]*types.ChangeEvent, error) {
	return nil, nil
}
func (f *identityFakeStore) EventsForRecord(ctx context.Context, table, recordID string) ([]*types.ChangeEvent, error) {
	return nil, nil
}
func (f *identityFakeStore) RecentEventsBySource(ctx context.Context, sourceNodeID string, limit int) ([]*types.ChangeEvent, error) {
	return nil, nil
}
func (f *identityFakeStore) MarkProcessed(ctx context.Context, eventID, receiverNodeID string, at time.Time) error {
	return nil
}
func (f *identityFakeStore) IsProcessed(ctx context.Context, eventID, receiverNodeID string) (bool, error) {
	return false, nil
}
func (f *identityFakeStore) QuarantineEvent(ctx context.Context, eventID, reason string) error {
	return nil
}
func (f *identityFakeStore) PruneProcessedEvents(ctx context.Context, olderThan time.Time, ackedByAllPeers []string) (int64, error) {
	return 0, nil
}
func (f *identityFakeStore) TruncateEventsFromSource(ctx context.Context, sourceNodeID string) (int64, error) {
	return 0, nil
}
func (f *identityFakeStore) SaveSession(ctx context.Context, session *types.Session) error {
	return nil
}
func (f *identityFakeStore) LoadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return nil, nil
}
func (f *identityFakeStore) RevokeSession(ctx context.Context, sessionID string) error { return nil }
func (f *identityFakeStore) SweepExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
func (f *identityFakeStore) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	return nil
}
func (f *identityFakeStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}
func (f *identityFakeStore) AppendConflictResolution(ctx context.Context, cr *types.ConflictResolution) error {
	return nil
}
func (f *identityFakeStore) OpenPartition(ctx context.Context, p *types.PartitionRecord) error {
	return nil
}
func (f *identityFakeStore) ResolvePartition(ctx context.Context, partitionID string, at time.Time) error {
	return nil
}
func (f *identityFakeStore) ListOpenPartitions(ctx context.Context) ([]*types.PartitionRecord, error) {
	return nil, nil
}
func (f *identityFakeStore) IncrMetric(ctx context.Context, name string, delta int64) error {
	return nil
}
func (f *identityFakeStore) GetMetric(ctx context.Context, name string) (int64, error) {
	return 0, nil
}
func (f *identityFakeStore) DumpTableRows(ctx context.Context, table string) ([][]byte, error) {
	return nil, nil
}
func (f *identityFakeStore) UpsertSnapshotRow(ctx context.Context, table, pkColumn string, row []byte) error {
	return nil
}
func (f *identityFakeStore) Close() error { return nil }

func TestLoadOrCreateIdentityEncryptsFreshPrivateKeyAtRest(t *testing.T) {
	st := &identityFakeStore{}

	identity, err := loadOrCreateIdentity(context.Background(), st, "node-a", "host-a", 8765, "shared-secret", true)
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.NotEmpty(t, identity.PublicKey)

	// The persisted copy must not hold the plaintext 64-byte Ed25519 key:
	// sealing adds a nonce and auth tag, so the ciphertext is longer.
	require.NotNil(t, st.identity)
	assert.Greater(t, len(st.identity.PrivateKeyEncrypted), 64)
	// The in-process copy keeps the plaintext key so the first run can
	// sign events without a restart.
	assert.Len(t, identity.PrivateKeyEncrypted, 64)
}

func TestLoadOrCreateIdentityDecryptsOnReload(t *testing.T) {
	st := &identityFakeStore{}

	created, err := loadOrCreateIdentity(context.Background(), st, "node-a", "host-a", 8765, "shared-secret", true)
	require.NoError(t, err)

	reloaded, err := loadOrCreateIdentity(context.Background(), st, "node-a", "host-a", 8765, "shared-secret", true)
	require.NoError(t, err)

	assert.Equal(t, created.NodeID, reloaded.NodeID)
	// Decrypted back down to the original 64-byte Ed25519 private key.
	assert.Len(t, reloaded.PrivateKeyEncrypted, 64)
}

func TestLoadOrCreateIdentityWithoutKeyPairSkipsEncryption(t *testing.T) {
	st := &identityFakeStore{}

	identity, err := loadOrCreateIdentity(context.Background(), st, "node-a", "host-a", 8765, "shared-secret", false)
	require.NoError(t, err)
	assert.Empty(t, identity.PrivateKeyEncrypted)
}

func TestDecryptIdentityKeyLeavesUnencryptedFieldsAlone(t *testing.T) {
	identity := &types.NodeIdentity{NodeID: "node-a"}
	out, err := decryptIdentityKey(identity, "shared-secret")
	require.NoError(t, err)
	assert.Same(t, identity, out)
}
