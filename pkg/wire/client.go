package wire

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cuemby/warren/pkg/security"
	"github.com/cuemby/warren/pkg/syncerr"
	"github.com/cuemby/warren/pkg/types"
)

const defaultDialTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	NodeID      string
	Security    *security.Manager
	DialTimeout time.Duration
	// Encrypt controls whether session-bound payloads are sealed with
	// AES-256-GCM under the session key, per Capabilities.Encryption.
	Encrypt bool
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// Client implements syncengine.Transport over the framed TCP protocol.
// Each call opens its own short-lived connection; sessions are
// time-bound, not connection-bound, so this needs no connection pool.
type Client struct {
	cfg Config
}

// NewClient constructs a Client.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg}
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	}
	return conn, nil
}

// Authenticate runs the full challenge-response handshake and X25519 key
// agreement over one connection: AUTH_REQUEST/RESPONSE followed by
// SESSION_OPEN/OK.
func (c *Client) Authenticate(ctx context.Context, peer *types.PeerRecord) (*types.Session, error) {
	conn, err := c.dial(ctx, peer.Address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	challenge, err := c.cfg.Security.BeginChallenge()
	if err != nil {
		return nil, fmt.Errorf("wire: build challenge: %w", err)
	}

	reqPayload, err := marshalPayload(AuthRequestPayload{
		NodeID: challenge.NodeID,
		Nonce:  challenge.Nonce,
		Proof:  challenge.Proof,
	})
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, &Frame{Type: MsgAuthRequest, Payload: reqPayload}, nil); err != nil {
		return nil, fmt.Errorf("wire: send auth request: %w", err)
	}

	respFrame, err := ReadFrame(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: read auth response: %w", err)
	}
	if err := expectType(respFrame, MsgAuthResponse); err != nil {
		return nil, err
	}
	var authResp AuthResponsePayload
	if err := unmarshalPayload(respFrame.Payload, &authResp); err != nil {
		return nil, fmt.Errorf("wire: decode auth response: %w", err)
	}
	if authResp.Error != "" {
		return nil, syncerr.Wrap("wire", syncerr.ErrAuthFailed)
	}

	ourPub, ourPriv, err := security.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}

	openPayload, err := marshalPayload(SessionOpenPayload{
		NodeID:           c.cfg.NodeID,
		AuthToken:        authResp.AuthToken,
		KeyAgreementBlob: ourPub,
	})
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, &Frame{Type: MsgSessionOpen, Payload: openPayload}, nil); err != nil {
		return nil, fmt.Errorf("wire: send session open: %w", err)
	}

	okFrame, err := ReadFrame(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: read session ok: %w", err)
	}
	if err := expectType(okFrame, MsgSessionOK); err != nil {
		return nil, err
	}
	var ok SessionOKPayload
	if err := unmarshalPayload(okFrame.Payload, &ok); err != nil {
		return nil, fmt.Errorf("wire: decode session ok: %w", err)
	}
	if ok.Error != "" {
		return nil, syncerr.Wrap("wire", syncerr.ErrAuthFailed)
	}

	sessionKey, err := security.DeriveSessionKey(ourPriv, ok.KeyAgreementBlob)
	if err != nil {
		return nil, fmt.Errorf("wire: derive session key: %w", err)
	}

	now := time.Now()
	expiresAt := ok.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(60 * time.Minute)
	}
	return &types.Session{
		SessionID:     ok.SessionID,
		PeerNodeID:    peer.NodeID,
		SymmetricKey:  sessionKey,
		EstablishedAt: now,
		ExpiresAt:     expiresAt,
		LastUsedAt:    now,
	}, nil
}

// PullEvents requests events newer than sinceLamport from peer.
func (c *Client) PullEvents(ctx context.Context, peer *types.PeerRecord, session *types.Session, sinceLamport uint64, maxBatch int) ([]*types.ChangeEvent, error) {
	conn, err := c.dial(ctx, peer.Address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	body, err := marshalPayload(PullRequestPayload{SinceLamport: sinceLamport, MaxBatch: maxBatch})
	if err != nil {
		return nil, err
	}
	sealed, err := sealPayload(body, session.SymmetricKey, c.cfg.Encrypt)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, &Frame{Type: MsgPullRequest, SessionID: session.SessionID, Payload: sealed}, session.SymmetricKey); err != nil {
		return nil, fmt.Errorf("wire: send pull request: %w", err)
	}

	respFrame, err := ReadFrame(conn, FixedKey(session.SymmetricKey))
	if err != nil {
		return nil, fmt.Errorf("wire: read pull response: %w", err)
	}
	if respFrame.Type == MsgError {
		return nil, decodeWireError(respFrame)
	}
	if err := expectType(respFrame, MsgEventBatch); err != nil {
		return nil, err
	}
	opened, err := openPayload(respFrame.Payload, session.SymmetricKey, c.cfg.Encrypt)
	if err != nil {
		return nil, err
	}
	var batch EventBatchPayload
	if err := unmarshalPayload(opened, &batch); err != nil {
		return nil, fmt.Errorf("wire: decode event batch: %w", err)
	}
	return batch.Events, nil
}

// PushEvents sends this node's events to peer, unsolicited, and returns
// the event ids the peer acknowledged as processed.
func (c *Client) PushEvents(ctx context.Context, peer *types.PeerRecord, session *types.Session, batch []*types.ChangeEvent) ([]string, error) {
	conn, err := c.dial(ctx, peer.Address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	body, err := marshalPayload(EventBatchPayload{Events: batch})
	if err != nil {
		return nil, err
	}
	sealed, err := sealPayload(body, session.SymmetricKey, c.cfg.Encrypt)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, &Frame{Type: MsgEventBatch, SessionID: session.SessionID, Payload: sealed}, session.SymmetricKey); err != nil {
		return nil, fmt.Errorf("wire: send event batch: %w", err)
	}

	ackFrame, err := ReadFrame(conn, FixedKey(session.SymmetricKey))
	if err != nil {
		return nil, fmt.Errorf("wire: read processed ack: %w", err)
	}
	if ackFrame.Type == MsgError {
		return nil, decodeWireError(ackFrame)
	}
	if err := expectType(ackFrame, MsgProcessedAck); err != nil {
		return nil, err
	}
	var ack ProcessedAckPayload
	if err := unmarshalPayload(ackFrame.Payload, &ack); err != nil {
		return nil, fmt.Errorf("wire: decode processed ack: %w", err)
	}
	return ack.EventIDs, nil
}

// PullBySource asks peer for its recorded view of sourceNodeID's writes,
// rather than a since-lamport tail: the Partition Detector's
// consistency-mismatch check digests the result and compares it against
// its own local view of the same source.
func (c *Client) PullBySource(ctx context.Context, peer *types.PeerRecord, session *types.Session, sourceNodeID string, limit int) ([]*types.ChangeEvent, error) {
	conn, err := c.dial(ctx, peer.Address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	body, err := marshalPayload(PullRequestPayload{MaxBatch: limit, Filters: []string{"source:" + sourceNodeID}})
	if err != nil {
		return nil, err
	}
	sealed, err := sealPayload(body, session.SymmetricKey, c.cfg.Encrypt)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, &Frame{Type: MsgPullRequest, SessionID: session.SessionID, Payload: sealed}, session.SymmetricKey); err != nil {
		return nil, fmt.Errorf("wire: send pull-by-source request: %w", err)
	}

	respFrame, err := ReadFrame(conn, FixedKey(session.SymmetricKey))
	if err != nil {
		return nil, fmt.Errorf("wire: read pull-by-source response: %w", err)
	}
	if respFrame.Type == MsgError {
		return nil, decodeWireError(respFrame)
	}
	if err := expectType(respFrame, MsgEventBatch); err != nil {
		return nil, err
	}
	opened, err := openPayload(respFrame.Payload, session.SymmetricKey, c.cfg.Encrypt)
	if err != nil {
		return nil, err
	}
	var batch EventBatchPayload
	if err := unmarshalPayload(opened, &batch); err != nil {
		return nil, fmt.Errorf("wire: decode event batch: %w", err)
	}
	return batch.Events, nil
}

// FetchSnapshot requests a bulk snapshot from peer (the donor) and writes
// it to destPath, driving the SNAPSHOT_REQUEST/READY/CHUNK sequence on one
// connection. It returns the donor's clock manifest and the number of
// bytes actually received; the READY frame's advertised total is not
// returned.
func (c *Client) FetchSnapshot(ctx context.Context, peer *types.PeerRecord, session *types.Session, sessionID string, lastKnownLamport uint64, destPath string) (manifest types.VectorClock, bytesReceived int64, err error) {
	conn, err := c.dial(ctx, peer.Address)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	reqPayload, err := marshalPayload(SnapshotRequestPayload{SessionID: sessionID, LastKnownLamport: lastKnownLamport})
	if err != nil {
		return nil, 0, err
	}
	if err := WriteFrame(conn, &Frame{Type: MsgSnapshotRequest, SessionID: session.SessionID, Payload: reqPayload}, session.SymmetricKey); err != nil {
		return nil, 0, fmt.Errorf("wire: send snapshot request: %w", err)
	}

	readyFrame, err := ReadFrame(conn, FixedKey(session.SymmetricKey))
	if err != nil {
		return nil, 0, fmt.Errorf("wire: read snapshot ready: %w", err)
	}
	if readyFrame.Type == MsgError {
		return nil, 0, decodeWireError(readyFrame)
	}
	if err := expectType(readyFrame, MsgSnapshotReady); err != nil {
		return nil, 0, err
	}
	var ready SnapshotReadyPayload
	if err := unmarshalPayload(readyFrame.Payload, &ready); err != nil {
		return nil, 0, fmt.Errorf("wire: decode snapshot ready: %w", err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return nil, 0, fmt.Errorf("wire: create snapshot destination: %w", err)
	}
	defer out.Close()

	for {
		chunkFrame, err := ReadFrame(conn, FixedKey(session.SymmetricKey))
		if err != nil {
			return nil, bytesReceived, fmt.Errorf("wire: read snapshot chunk: %w", err)
		}
		if chunkFrame.Type == MsgError {
			return nil, bytesReceived, decodeWireError(chunkFrame)
		}
		if err := expectType(chunkFrame, MsgSnapshotChunk); err != nil {
			return nil, bytesReceived, err
		}
		var chunk SnapshotChunkPayload
		if err := unmarshalPayload(chunkFrame.Payload, &chunk); err != nil {
			return nil, bytesReceived, fmt.Errorf("wire: decode snapshot chunk: %w", err)
		}
		if len(chunk.Bytes) > 0 {
			if _, err := out.Write(chunk.Bytes); err != nil {
				return nil, bytesReceived, fmt.Errorf("wire: write snapshot chunk: %w", err)
			}
			bytesReceived += int64(len(chunk.Bytes))
		}
		if chunk.Final {
			return ready.ClockManifest, bytesReceived, nil
		}
	}
}

func expectType(f *Frame, want MessageType) error {
	if f.Type != want {
		return fmt.Errorf("wire: expected %s, got %s", want, f.Type)
	}
	return nil
}

func decodeWireError(f *Frame) error {
	var e ErrorPayload
	if err := unmarshalPayload(f.Payload, &e); err != nil || e.Error == "" {
		return fmt.Errorf("wire: peer returned an error frame")
	}
	return fmt.Errorf("wire: peer error: %s", e.Error)
}
