package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/security"
	"github.com/cuemby/warren/pkg/syncerr"
	"github.com/cuemby/warren/pkg/types"
)

// snapshotChunkSize bounds a single SNAPSHOT_CHUNK frame's payload, well
// under maxPayloadSize so the HMAC trailer and JSON envelope never push a
// chunk frame over the limit.
const snapshotChunkSize = 1 << 20 // 1MiB

// PullSource serves PULL_REQUEST: the same store.Store.EventsSince the
// Sync Engine uses to serve its own push phase. RecentEventsBySource backs
// the Partition Detector's "source:<nodeId>" filter, a digest window over
// one source's events rather than a since-lamport tail.
type PullSource interface {
	EventsSince(ctx context.Context, peerNodeID string, sinceLamport uint64, maxBatch int) ([]*types.ChangeEvent, error)
	RecentEventsBySource(ctx context.Context, sourceNodeID string, limit int) ([]*types.ChangeEvent, error)
}

// SnapshotSource produces a donor-side bulk snapshot export for
// SNAPSHOT_REQUEST. The Partition Detector's recovery coordinator
// implements this.
type SnapshotSource interface {
	ExportSnapshot(ctx context.Context, sessionID string, lastKnownLamport uint64) (path string, bytesTotal int64, manifest types.VectorClock, err error)
}

// BatchApplier applies a batch of events received unsolicited over
// EVENT_BATCH; syncengine.Engine.ApplyBatch satisfies this.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, sourcePeerID string, batch []*types.ChangeEvent) error
}

// SessionLookup resolves a session id to its record, for verifying and
// decrypting session-bound frames.
type SessionLookup interface {
	LoadSession(ctx context.Context, sessionID string) (*types.Session, error)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	NodeID   string
	Addr     string // e.g. ":8765"
	Security *security.Manager
	Pull     PullSource
	Apply    BatchApplier
	Sessions SessionLookup
	Snapshot SnapshotSource
	Encrypt  bool
}

// Server accepts peer connections and dispatches frames to the Security
// Manager, the local event log, and the Sync Engine's batch applier.
type Server struct {
	cfg ServerConfig
	ln  net.Listener
}

// NewServer constructs a Server. Call Start to begin accepting.
func NewServer(cfg ServerConfig) *Server {
	return &Server{cfg: cfg}
}

// Listen opens the listening socket on cfg.Addr without serving yet, so
// callers that bind to an ephemeral port (":0") can read Addr() before
// Serve starts accepting.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("wire: listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the listener's bound address. Valid after Listen returns.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start listens on cfg.Addr and serves connections until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve accepts and handles connections on an already-Listen()ed socket
// until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln := s.ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger := log.WithComponent("wire")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := log.WithComponent("wire")
	remoteAddr := conn.RemoteAddr().String()

	for {
		conn.SetDeadline(time.Now().Add(2 * time.Minute))

		frame, err := ReadFrame(conn, s.resolveKey(ctx))
		if err != nil {
			return // connection closed, idle timeout, or corrupt frame
		}

		if frame.Type == MsgSnapshotRequest {
			if err := s.streamSnapshot(ctx, conn, frame); err != nil {
				logger.Warn().Err(err).Str("remote_addr", remoteAddr).Msg("snapshot transfer failed")
				return
			}
			continue
		}

		resp, respErr := s.dispatch(ctx, remoteAddr, frame)
		if respErr != nil {
			logger.Warn().Err(respErr).Str("remote_addr", remoteAddr).Str("type", frame.Type.String()).Msg("frame handling failed")
			resp = s.errorFrame(respErr)
		}
		if resp == nil {
			continue
		}
		key := s.keyForResponse(ctx, frame)
		if err := WriteFrame(conn, resp, key); err != nil {
			logger.Warn().Err(err).Msg("write response failed")
			return
		}
	}
}

// resolveKey looks up the HMAC/encryption key for an incoming frame:
// nil for pre-session frames, the session's symmetric key otherwise. An
// expired session still resolves its key - the frame's integrity can be
// verified, and the expiry rejection (with its audit entry) belongs to
// loadActiveSession, not the framing layer.
func (s *Server) resolveKey(ctx context.Context) KeyFunc {
	return func(msgType MessageType, sessionID string) []byte {
		return s.sessionKey(ctx, sessionID)
	}
}

func (s *Server) keyForResponse(ctx context.Context, reqFrame *Frame) []byte {
	return s.sessionKey(ctx, reqFrame.SessionID)
}

func (s *Server) sessionKey(ctx context.Context, sessionID string) []byte {
	if sessionID == "" {
		return nil
	}
	session, err := s.cfg.Sessions.LoadSession(ctx, sessionID)
	if session == nil || (err != nil && !errors.Is(err, syncerr.ErrSessionExpired)) {
		return nil
	}
	return session.SymmetricKey
}

// loadActiveSession loads a session for a frame that requires one and
// rejects it if expired, auditing SESSION_EXPIRED: any operation using a
// session past its expiresAt is refused even though the session was
// never revoked. Callers that already tolerate a nil session from a
// plain LoadSession must not bypass this for PULL_REQUEST, EVENT_BATCH,
// or SNAPSHOT_REQUEST.
func (s *Server) loadActiveSession(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := s.cfg.Sessions.LoadSession(ctx, sessionID)
	if errors.Is(err, syncerr.ErrSessionExpired) {
		peerNodeID := ""
		if session != nil {
			peerNodeID = session.PeerNodeID
		}
		if s.cfg.Security != nil {
			s.cfg.Security.AuditSessionExpired(ctx, sessionID, peerNodeID)
		}
		return nil, fmt.Errorf("session expired")
	}
	if err != nil || session == nil {
		return nil, fmt.Errorf("no valid session")
	}
	return session, nil
}

func (s *Server) dispatch(ctx context.Context, remoteAddr string, frame *Frame) (*Frame, error) {
	switch frame.Type {
	case MsgAuthRequest:
		return s.handleAuthRequest(ctx, remoteAddr, frame)
	case MsgSessionOpen:
		return s.handleSessionOpen(ctx, remoteAddr, frame)
	case MsgPullRequest:
		return s.handlePullRequest(ctx, frame)
	case MsgEventBatch:
		return s.handleEventBatch(ctx, frame)
	case MsgHealthPing:
		payload, err := marshalPayload(HealthPongPayload{})
		if err != nil {
			return nil, err
		}
		return &Frame{Type: MsgHealthPong, SessionID: frame.SessionID, Payload: payload}, nil
	default:
		return nil, fmt.Errorf("unsupported message type %s", frame.Type)
	}
}

func (s *Server) handleAuthRequest(ctx context.Context, remoteAddr string, frame *Frame) (*Frame, error) {
	var req AuthRequestPayload
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode auth request: %w", err)
	}

	challenge := security.Challenge{NodeID: req.NodeID, Nonce: req.Nonce, Proof: req.Proof}
	token, err := s.cfg.Security.HandleChallenge(ctx, challenge, remoteAddr)
	var resp AuthResponsePayload
	if err != nil {
		resp.Error = "authentication failed"
	} else {
		resp.AuthToken = token.Token
		resp.ExpiresAt = token.ExpiresAt
	}
	payload, merr := marshalPayload(resp)
	if merr != nil {
		return nil, merr
	}
	return &Frame{Type: MsgAuthResponse, Payload: payload}, nil
}

func (s *Server) handleSessionOpen(ctx context.Context, remoteAddr string, frame *Frame) (*Frame, error) {
	var req SessionOpenPayload
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode session open: %w", err)
	}

	session, ourPub, err := s.cfg.Security.EstablishSession(ctx, req.AuthToken, req.NodeID, remoteAddr, req.KeyAgreementBlob)
	var resp SessionOKPayload
	if err != nil {
		resp.Error = "authentication failed"
		payload, merr := marshalPayload(resp)
		if merr != nil {
			return nil, merr
		}
		return &Frame{Type: MsgSessionOK, Payload: payload}, nil
	}

	resp.SessionID = session.SessionID
	resp.KeyAgreementBlob = ourPub
	resp.ExpiresAt = session.ExpiresAt
	payload, merr := marshalPayload(resp)
	if merr != nil {
		return nil, merr
	}
	return &Frame{Type: MsgSessionOK, SessionID: session.SessionID, Payload: payload}, nil
}

func (s *Server) handlePullRequest(ctx context.Context, frame *Frame) (*Frame, error) {
	opened, err := openPayload(frame.Payload, s.sessionKey(ctx, frame.SessionID), s.cfg.Encrypt)
	if err != nil {
		return nil, err
	}
	var req PullRequestPayload
	if err := unmarshalPayload(opened, &req); err != nil {
		return nil, fmt.Errorf("decode pull request: %w", err)
	}

	session, err := s.loadActiveSession(ctx, frame.SessionID)
	if err != nil {
		return nil, err
	}

	var events []*types.ChangeEvent
	if sourceNodeID, ok := sourceFilter(req.Filters); ok {
		// The Partition Detector's consistency-mismatch check: "give me
		// your view of sourceNodeID's writes" rather than a since-lamport
		// tail, piggybacked on the same PULL_REQUEST/EVENT_BATCH exchange.
		events, err = s.cfg.Pull.RecentEventsBySource(ctx, sourceNodeID, req.MaxBatch)
	} else {
		events, err = s.cfg.Pull.EventsSince(ctx, session.PeerNodeID, req.SinceLamport, req.MaxBatch)
	}
	if err != nil {
		return nil, fmt.Errorf("load events since watermark: %w", err)
	}

	body, err := marshalPayload(EventBatchPayload{Events: events, HasMore: false})
	if err != nil {
		return nil, err
	}
	sealed, err := sealPayload(body, session.SymmetricKey, s.cfg.Encrypt)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: MsgEventBatch, SessionID: frame.SessionID, Payload: sealed}, nil
}

func (s *Server) handleEventBatch(ctx context.Context, frame *Frame) (*Frame, error) {
	session, err := s.loadActiveSession(ctx, frame.SessionID)
	if err != nil {
		return nil, err
	}

	opened, err := openPayload(frame.Payload, session.SymmetricKey, s.cfg.Encrypt)
	if err != nil {
		return nil, err
	}
	var batch EventBatchPayload
	if err := unmarshalPayload(opened, &batch); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}

	if err := s.cfg.Apply.ApplyBatch(ctx, session.PeerNodeID, batch.Events); err != nil {
		return nil, fmt.Errorf("apply pushed batch: %w", err)
	}

	ids := make([]string, len(batch.Events))
	for i, e := range batch.Events {
		ids[i] = e.EventID
	}
	payload, err := marshalPayload(ProcessedAckPayload{EventIDs: ids})
	if err != nil {
		return nil, err
	}
	return &Frame{Type: MsgProcessedAck, SessionID: frame.SessionID, Payload: payload}, nil
}

func (s *Server) errorFrame(err error) *Frame {
	payload, _ := marshalPayload(ErrorPayload{Error: err.Error()})
	return &Frame{Type: MsgError, Payload: payload}
}

// sourceFilter extracts a "source:<nodeId>" scoping filter from a
// PULL_REQUEST's Filters field; other entries are ignored.
func sourceFilter(filters []string) (string, bool) {
	const prefix = "source:"
	for _, f := range filters {
		if len(f) > len(prefix) && f[:len(prefix)] == prefix {
			return f[len(prefix):], true
		}
	}
	return "", false
}

// streamSnapshot serves SNAPSHOT_REQUEST end to end on the connection: it
// writes a single SNAPSHOT_READY frame describing the export, then streams
// the file as a sequence of SNAPSHOT_CHUNK frames, the last one carrying
// Final=true. Unlike dispatch's other handlers, this writes directly to
// conn since it produces more than one response frame.
func (s *Server) streamSnapshot(ctx context.Context, conn net.Conn, frame *Frame) error {
	if s.cfg.Snapshot == nil {
		return s.writeError(ctx, conn, frame, fmt.Errorf("snapshot export not supported"))
	}
	var req SnapshotRequestPayload
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		return s.writeError(ctx, conn, frame, fmt.Errorf("decode snapshot request: %w", err))
	}

	session, err := s.loadActiveSession(ctx, frame.SessionID)
	if err != nil {
		return s.writeError(ctx, conn, frame, err)
	}

	path, bytesTotal, manifest, err := s.cfg.Snapshot.ExportSnapshot(ctx, req.SessionID, req.LastKnownLamport)
	if err != nil {
		return s.writeError(ctx, conn, frame, fmt.Errorf("export snapshot: %w", err))
	}

	readyPayload, err := marshalPayload(SnapshotReadyPayload{
		Filename:      path,
		Bytes:         bytesTotal,
		ClockManifest: manifest,
	})
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, &Frame{Type: MsgSnapshotReady, SessionID: frame.SessionID, Payload: readyPayload}, session.SymmetricKey); err != nil {
		return fmt.Errorf("write snapshot ready: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot export: %w", err)
	}
	defer f.Close()

	buf := make([]byte, snapshotChunkSize)
	var offset int64
	sentFinal := false
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			final := readErr == io.EOF
			chunkPayload, merr := marshalPayload(SnapshotChunkPayload{
				Offset: offset,
				Bytes:  append([]byte(nil), buf[:n]...),
				Final:  final,
			})
			if merr != nil {
				return merr
			}
			conn.SetDeadline(time.Now().Add(2 * time.Minute))
			if err := WriteFrame(conn, &Frame{Type: MsgSnapshotChunk, SessionID: frame.SessionID, Payload: chunkPayload}, session.SymmetricKey); err != nil {
				return fmt.Errorf("write snapshot chunk: %w", err)
			}
			offset += int64(n)
			sentFinal = final
		}
		if readErr == io.EOF {
			// os.File.Read usually reports EOF on the call after the last
			// data read, so the closing Final=true chunk is normally an
			// empty one. An empty export closes out the same way.
			if !sentFinal {
				chunkPayload, merr := marshalPayload(SnapshotChunkPayload{Offset: offset, Final: true})
				if merr != nil {
					return merr
				}
				if err := WriteFrame(conn, &Frame{Type: MsgSnapshotChunk, SessionID: frame.SessionID, Payload: chunkPayload}, session.SymmetricKey); err != nil {
					return fmt.Errorf("write snapshot chunk: %w", err)
				}
			}
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read snapshot export: %w", readErr)
		}
	}
}

func (s *Server) writeError(ctx context.Context, conn net.Conn, frame *Frame, err error) error {
	WriteFrame(conn, s.errorFrame(err), s.sessionKey(ctx, frame.SessionID))
	return err
}
