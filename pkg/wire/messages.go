package wire

import (
	"encoding/json"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// AuthRequestPayload is AUTH_REQUEST's body.
type AuthRequestPayload struct {
	NodeID string `json:"nodeId"`
	Nonce  string `json:"nonce"`
	Proof  string `json:"keyProof"`
}

// AuthResponsePayload is AUTH_RESPONSE's body. Error is non-empty
// exactly when authentication was refused; no other detail is given
// per the error handling design (authentication failures are opaque).
type AuthResponsePayload struct {
	AuthToken string    `json:"authToken,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SessionOpenPayload is SESSION_OPEN's body. NodeID is carried alongside
// AuthToken even though it was already presented in AUTH_REQUEST, since
// each handshake step is otherwise self-contained.
type SessionOpenPayload struct {
	NodeID           string `json:"nodeId"`
	AuthToken        string `json:"authToken"`
	KeyAgreementBlob []byte `json:"keyAgreementBlob"`
}

// SessionOKPayload is SESSION_OK's body.
type SessionOKPayload struct {
	SessionID        string    `json:"sessionId"`
	KeyAgreementBlob []byte    `json:"keyAgreementBlob"`
	ExpiresAt        time.Time `json:"expiresAt,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// PullRequestPayload is PULL_REQUEST's body. A "source:<nodeId>" entry in
// Filters makes the server answer with that source's recent events
// instead of the since-lamport tail; the server ignores any other entry.
type PullRequestPayload struct {
	SinceLamport uint64   `json:"sinceLamport"`
	MaxBatch     int      `json:"maxBatch"`
	Filters      []string `json:"filters,omitempty"`
}

// EventBatchPayload is EVENT_BATCH's body, used for both pull responses
// and unsolicited pushes.
type EventBatchPayload struct {
	Events  []*types.ChangeEvent `json:"events"`
	HasMore bool                 `json:"hasMore"`
}

// ProcessedAckPayload is PROCESSED_ACK's body.
type ProcessedAckPayload struct {
	EventIDs []string `json:"eventIds"`
}

// SnapshotRequestPayload is SNAPSHOT_REQUEST's body.
type SnapshotRequestPayload struct {
	SessionID        string `json:"sessionId"`
	LastKnownLamport uint64 `json:"lastKnownLamport"`
}

// SnapshotReadyPayload is SNAPSHOT_READY's body. ClockManifest is the
// donor's vector clock at export time, used by the joiner to seed its
// own clock after applying the snapshot.
type SnapshotReadyPayload struct {
	Filename      string            `json:"filename"`
	Bytes         int64             `json:"bytes"`
	ClockManifest types.VectorClock `json:"clockManifest"`
}

// SnapshotChunkPayload is SNAPSHOT_CHUNK's body, streamed as a sequence
// of frames.
type SnapshotChunkPayload struct {
	Offset int64  `json:"offset"`
	Bytes  []byte `json:"bytes"`
	Final  bool   `json:"final"`
}

// HealthPingPayload / HealthPongPayload are empty per the protocol table.
type HealthPingPayload struct{}
type HealthPongPayload struct{}

// ErrorPayload carries an opaque error string for frames the server
// rejects outright (malformed payload, unknown session).
type ErrorPayload struct {
	Error string `json:"error"`
}

func marshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalPayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
