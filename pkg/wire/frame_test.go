package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	var buf bytes.Buffer

	f := &Frame{Type: MsgPullRequest, SessionID: "sess-1", Payload: []byte(`{"sinceLamport":5}`)}
	if err := WriteFrame(&buf, f, key); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got, err := ReadFrame(&buf, FixedKey(key))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got.Type != f.Type || got.SessionID != f.SessionID || string(got.Payload) != string(f.Payload) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestFrameRoundTripNoSession(t *testing.T) {
	var buf bytes.Buffer
	f := &Frame{Type: MsgAuthRequest, Payload: []byte(`{"nodeId":"a"}`)}
	if err := WriteFrame(&buf, f, nil); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got, err := ReadFrame(&buf, nil)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got.SessionID != "" {
		t.Fatalf("expected empty session id, got %q", got.SessionID)
	}
}

func TestFrameRejectsWrongKey(t *testing.T) {
	var buf bytes.Buffer
	f := &Frame{Type: MsgEventBatch, SessionID: "sess-1", Payload: []byte(`{}`)}
	if err := WriteFrame(&buf, f, []byte("key-a-key-a-key-a-key-a-key-a-32")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	_, err := ReadFrame(&buf, FixedKey([]byte("key-b-key-b-key-b-key-b-key-b-32")))
	if err == nil {
		t.Fatal("expected hmac mismatch error")
	}
}

func TestFrameRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0, 1, 1, 0, 0, 0, 0, 0, 0, 0})
	if _, err := ReadFrame(buf, nil); err == nil {
		t.Fatal("expected bad magic error")
	}
}
