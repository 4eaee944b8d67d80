package process

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Worker→host message types.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// Result is the final outcome a worker reports for its domain. An empty Error
// means success and Payload holds the enrichment data.
type Result struct {
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Transient bool            `json:"transient,omitempty"`
}

// Message is the envelope for all worker→host frames on stdout. During
// execution the worker sends log lines with Type="log"; it finishes with one
// message of Type="result".
type Message struct {
	Type   string  `json:"type"`
	Line   string  `json:"line,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame so concurrent emitters on a shared pipe never interleave.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
// A clean end of stream before any prefix byte returns io.EOF unwrapped.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

// readMessages reads frames until a result arrives or the stream ends. Log
// lines are delivered to logWriter as they arrive. A nil result with a nil
// error means the worker closed stdout without reporting.
func readMessages(r io.Reader, logWriter func(string)) (*Result, error) {
	for {
		var msg Message
		if err := ReadMessage(r, &msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("read worker message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			if logWriter != nil {
				logWriter(msg.Line)
			}
		case MsgTypeResult:
			if msg.Result == nil {
				return nil, fmt.Errorf("received result message with nil result")
			}
			return msg.Result, nil
		default:
			return nil, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Emitter is the worker side of the protocol. It is safe for concurrent use.
type Emitter struct {
	mu   sync.Mutex
	w    io.Writer
	done bool
}

// NewEmitter returns an Emitter writing frames to w, normally os.Stdout.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Log sends one log line to the host.
func (e *Emitter) Log(line string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return WriteMessage(e.w, Message{Type: MsgTypeLog, Line: line})
}

// Succeed reports payload as the domain's result. Only the first call to
// Succeed or Fail has any effect.
func (e *Emitter) Succeed(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return e.result(&Result{Payload: data})
}

// Fail reports err as the domain's outcome.
func (e *Emitter) Fail(err error, transient bool) error {
	return e.result(&Result{Error: err.Error(), Transient: transient})
}

func (e *Emitter) result(r *Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	e.done = true
	return WriteMessage(e.w, Message{Type: MsgTypeResult, Result: r})
}
