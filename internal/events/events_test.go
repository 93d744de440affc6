package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLineWriter_EmitsEnvelopes(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLineWriter(&buf)

	w.Emit(EventPeerJoined, PeerData{PeerID: 3, Name: "alice"})
	w.Emit(EventChat, ChatData{PeerID: 3, Name: "alice", Text: "hi", Public: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var env Envelope
	if err := json.Unmarshal([]byte(lines[0]), &env); err != nil {
		t.Fatalf("line 1 is not JSON: %v", err)
	}
	if env.Type != EventPeerJoined {
		t.Errorf("type %q, want peer_joined", env.Type)
	}
	if env.Timestamp.IsZero() {
		t.Error("timestamp missing")
	}

	data, ok := env.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data is %T", env.Data)
	}
	if data["name"] != "alice" || data["peer_id"] != float64(3) {
		t.Errorf("payload %v", data)
	}
}

func TestJSONLineWriter_NoHTMLEscaping(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLineWriter(&buf)
	w.Emit(EventChat, ChatData{Text: "a < b && c > d"})
	if strings.Contains(buf.String(), `\u003c`) {
		t.Error("HTML escaping is enabled")
	}
	if !strings.Contains(buf.String(), "a < b") {
		t.Errorf("text mangled: %q", buf.String())
	}
}

type closableBuffer struct {
	bytes.Buffer
	closed bool
}

func (c *closableBuffer) Close() error {
	c.closed = true
	return nil
}

func TestJSONLineWriter_ClosesCloser(t *testing.T) {
	var cb closableBuffer
	w := NewJSONLineWriter(&cb)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if !cb.closed {
		t.Error("underlying closer not closed")
	}
}

func TestNopEmitter(t *testing.T) {
	var e Emitter = NopEmitter{}
	e.Emit(EventError, ErrorData{Message: "ignored"})
	if err := e.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
