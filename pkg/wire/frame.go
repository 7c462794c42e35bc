// Package wire implements the framed TCP protocol all peer-to-peer
// traffic flows over: a fixed-layout header, a JSON payload (optionally
// AES-256-GCM encrypted under the session key), and an HMAC trailer for
// integrity. Client provides syncengine.Transport; Server dispatches
// incoming frames to the Security Manager and Sync Engine.
package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/warren/pkg/syncerr"
)

// magic identifies a valid frame; version allows the layout to change
// without breaking older peers outright (they simply reject the frame).
const (
	magic          uint32 = 0x53594e43 // "SYNC"
	protocolVer    uint8  = 1
	maxPayloadSize        = 64 << 20 // 64MiB, generous for a snapshot chunk
	hmacSize              = sha256.Size
)

// MessageType is the wire protocol message kind, one entry per row of
// the message type table.
type MessageType uint8

const (
	MsgAuthRequest MessageType = iota + 1
	MsgAuthResponse
	MsgSessionOpen
	MsgSessionOK
	MsgPullRequest
	MsgEventBatch
	MsgProcessedAck
	MsgSnapshotRequest
	MsgSnapshotReady
	MsgSnapshotChunk
	MsgHealthPing
	MsgHealthPong
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgAuthRequest:
		return "AUTH_REQUEST"
	case MsgAuthResponse:
		return "AUTH_RESPONSE"
	case MsgSessionOpen:
		return "SESSION_OPEN"
	case MsgSessionOK:
		return "SESSION_OK"
	case MsgPullRequest:
		return "PULL_REQUEST"
	case MsgEventBatch:
		return "EVENT_BATCH"
	case MsgProcessedAck:
		return "PROCESSED_ACK"
	case MsgSnapshotRequest:
		return "SNAPSHOT_REQUEST"
	case MsgSnapshotReady:
		return "SNAPSHOT_READY"
	case MsgSnapshotChunk:
		return "SNAPSHOT_CHUNK"
	case MsgHealthPing:
		return "HEALTH_PING"
	case MsgHealthPong:
		return "HEALTH_PONG"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Frame is one message on the wire, written in this order: magic,
// version, messageType, sessionId (uint16 length, then bytes; length 0
// when absent), payloadLength, payload, hmac.
type Frame struct {
	Type      MessageType
	SessionID string // empty for pre-session messages (AUTH_REQUEST/RESPONSE)
	Payload   []byte
}

// WriteFrame serializes f to w and appends an HMAC-SHA256 trailer keyed
// by hmacKey. hmacKey is nil for the pre-session handshake messages,
// in which case a fixed zero key is used (their authenticity comes from
// the registration-key proof inside the payload, not the frame HMAC).
func WriteFrame(w io.Writer, f *Frame, hmacKey []byte) error {
	if len(f.Payload) > maxPayloadSize {
		return fmt.Errorf("wire: payload too large (%d bytes)", len(f.Payload))
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, magic)
	buf.WriteByte(protocolVer)
	buf.WriteByte(byte(f.Type))

	sid := []byte(f.SessionID)
	binary.Write(&buf, binary.BigEndian, uint16(len(sid)))
	buf.Write(sid)

	binary.Write(&buf, binary.BigEndian, uint32(len(f.Payload)))
	buf.Write(f.Payload)

	mac := computeHMAC(hmacKey, buf.Bytes())
	buf.Write(mac)

	_, err := w.Write(buf.Bytes())
	return err
}

// KeyFunc resolves the HMAC (and, if encryption is enabled, AES) key for
// an incoming frame given its message type and session id. Pre-session
// frames (AUTH_REQUEST/RESPONSE, SESSION_OPEN/OK) resolve to a nil key,
// SESSION_OK included although it carries the new session id;
// session-bound frames resolve via session lookup.
type KeyFunc func(msgType MessageType, sessionID string) []byte

// FixedKey returns a KeyFunc that always resolves to key, for callers
// that already know which key applies (the client always does).
func FixedKey(key []byte) KeyFunc {
	return func(MessageType, string) []byte { return key }
}

// ReadFrame reads and validates one frame from r, verifying its HMAC
// against the key resolveKey returns for the frame's type and session id.
func ReadFrame(r io.Reader, resolveKey KeyFunc) (*Frame, error) {
	var header bytes.Buffer
	header.Grow(4 + 1 + 1 + 2)

	var gotMagic uint32
	if err := binary.Read(r, binary.BigEndian, &gotMagic); err != nil {
		return nil, fmt.Errorf("wire: read magic: %w", err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("wire: bad magic %x", gotMagic)
	}
	binary.Write(&header, binary.BigEndian, gotMagic)

	var ver, msgType uint8
	if err := binary.Read(r, binary.BigEndian, &ver); err != nil {
		return nil, fmt.Errorf("wire: read version: %w", err)
	}
	if ver != protocolVer {
		return nil, fmt.Errorf("wire: unsupported version %d", ver)
	}
	header.WriteByte(ver)

	if err := binary.Read(r, binary.BigEndian, &msgType); err != nil {
		return nil, fmt.Errorf("wire: read message type: %w", err)
	}
	header.WriteByte(msgType)

	var sidLen uint16
	if err := binary.Read(r, binary.BigEndian, &sidLen); err != nil {
		return nil, fmt.Errorf("wire: read session id length: %w", err)
	}
	binary.Write(&header, binary.BigEndian, sidLen)

	sid := make([]byte, sidLen)
	if _, err := io.ReadFull(r, sid); err != nil {
		return nil, fmt.Errorf("wire: read session id: %w", err)
	}
	header.Write(sid)

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("wire: read payload length: %w", err)
	}
	if payloadLen > maxPayloadSize {
		return nil, fmt.Errorf("wire: payload too large (%d bytes)", payloadLen)
	}
	binary.Write(&header, binary.BigEndian, payloadLen)

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	header.Write(payload)

	gotMAC := make([]byte, hmacSize)
	if _, err := io.ReadFull(r, gotMAC); err != nil {
		return nil, fmt.Errorf("wire: read hmac: %w", err)
	}

	var hmacKey []byte
	if resolveKey != nil {
		hmacKey = resolveKey(MessageType(msgType), string(sid))
	}
	wantMAC := computeHMAC(hmacKey, header.Bytes())
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, syncerr.Wrap("wire", syncerr.ErrChecksumMismatch)
	}

	return &Frame{
		Type:      MessageType(msgType),
		SessionID: string(sid),
		Payload:   payload,
	}, nil
}

func computeHMAC(key, data []byte) []byte {
	if len(key) == 0 {
		key = make([]byte, sha256.Size) // fixed zero key for pre-session frames
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
