package process

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestWriteReadMessage(t *testing.T) {
	original := Message{
		Type:   MsgTypeResult,
		Result: &Result{Payload: json.RawMessage(`{"email":"ceo@a.com"}`)},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Message
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Type != MsgTypeResult {
		t.Errorf("Type = %q, want %q", decoded.Type, MsgTypeResult)
	}
	if decoded.Result == nil || string(decoded.Result.Payload) != `{"email":"ceo@a.com"}` {
		t.Errorf("Result = %+v", decoded.Result)
	}
}

func TestReadMessageFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, Message{Type: MsgTypeLog, Line: "hi"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	raw := buf.Bytes()
	length := binary.BigEndian.Uint32(raw[:4])
	if int(length) != len(raw)-4 {
		t.Errorf("length prefix = %d, payload = %d bytes", length, len(raw)-4)
	}
}

func TestReadMessageTooLarge(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(MaxMessageSize+1))

	var msg Message
	err := ReadMessage(&buf, &msg)
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("ReadMessage error = %v, want size error", err)
	}
}

func TestReadMessageEOF(t *testing.T) {
	var msg Message
	if err := ReadMessage(bytes.NewReader(nil), &msg); err != io.EOF {
		t.Errorf("empty stream error = %v, want io.EOF", err)
	}

	// A truncated prefix is a protocol error, not a clean EOF.
	err := ReadMessage(bytes.NewReader([]byte{0, 0}), &msg)
	if err == nil || err == io.EOF {
		t.Errorf("truncated prefix error = %v, want wrapped error", err)
	}
}

func TestReadMessagesStreamsLogsThenResult(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)
	e.Log("starting")
	e.Log("found 3 contacts")
	e.Succeed(map[string]any{"email": "a@b.com"})
	e.Log("after result")

	var lines []string
	res, err := readMessages(&buf, func(l string) { lines = append(lines, l) })
	if err != nil {
		t.Fatalf("readMessages: %v", err)
	}
	if res == nil || res.Error != "" {
		t.Fatalf("result = %+v, want success", res)
	}
	if len(lines) != 2 || lines[0] != "starting" || lines[1] != "found 3 contacts" {
		t.Errorf("lines = %v", lines)
	}
}

func TestReadMessagesNoResult(t *testing.T) {
	var buf bytes.Buffer
	NewEmitter(&buf).Log("only a log")

	res, err := readMessages(&buf, nil)
	if err != nil {
		t.Fatalf("readMessages: %v", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
}

func TestReadMessagesUnknownType(t *testing.T) {
	var buf bytes.Buffer
	WriteMessage(&buf, Message{Type: "bogus"})

	if _, err := readMessages(&buf, nil); err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestEmitterFailOnce(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)
	if err := e.Fail(errors.New("rate limited"), true); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	e.Succeed("ignored")

	res, err := readMessages(&buf, nil)
	if err != nil {
		t.Fatalf("readMessages: %v", err)
	}
	if res.Error != "rate limited" || !res.Transient {
		t.Errorf("result = %+v, want transient rate limited", res)
	}

	var rest Message
	if err := ReadMessage(&buf, &rest); err != io.EOF {
		t.Errorf("second result was written: %+v (err %v)", rest, err)
	}
}
