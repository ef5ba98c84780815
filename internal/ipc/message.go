package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
)

// Kind discriminates message types.
type Kind string

const (
	KindRequest  Kind = "req"
	KindResponse Kind = "res"
	KindNotify   Kind = "notify"
	KindEvent    Kind = "event"
)

// DefaultMaxMessageBytes bounds a single encoded message.
const DefaultMaxMessageBytes = 16 * 1024 * 1024

// Message is one IPC message.
type Message struct {
	Type   Kind            `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the serialized form of an *errs.Error.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Succeeded reports whether a response carries a result.
func (m *Message) Succeeded() bool {
	return m.OK != nil && *m.OK && m.Error == nil
}

// Err rebuilds the coded error carried by a failed response.
func (m *Message) Err() error {
	if m.Error == nil {
		return errs.New(errs.CodeProtocol, "response %s failed without an error", m.ID)
	}
	return &errs.Error{Code: errs.Code(m.Error.Code), Message: m.Error.Message}
}

func toWireError(err error) *WireError {
	return &WireError{Code: string(errs.CodeOf(err)), Message: errs.MessageOf(err)}
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !sonic.Valid(p) {
			return nil, errs.New(errs.CodeInvalidParams, "payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return raw, nil
}

func okResponse(id string, result json.RawMessage) *Message {
	ok := true
	return &Message{Type: KindResponse, ID: id, OK: &ok, Result: result}
}

func errorResponse(id string, err error) *Message {
	ok := false
	return &Message{Type: KindResponse, ID: id, OK: &ok, Error: toWireError(err)}
}

// Encoder writes newline-delimited messages. Safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	w   io.Writer
	max int
}

// NewEncoder creates an encoder rejecting messages above max bytes.
func NewEncoder(w io.Writer, max int) *Encoder {
	if max <= 0 {
		max = DefaultMaxMessageBytes
	}
	return &Encoder{w: w, max: max}
}

// Encode writes one message followed by a newline.
func (e *Encoder) Encode(msg *Message) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > e.max {
		return errs.New(errs.CodeMessageTooLarge, "message of %d bytes exceeds limit of %d", len(data), e.max)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}

// Decoder reads newline-delimited messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder rejecting lines above max bytes.
func NewDecoder(r io.Reader, max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxMessageBytes
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), max+1)
	return &Decoder{scanner: s}
}

// Decode reads the next message. Blank lines are skipped. A line that is
// not a valid message yields an ERR_PROTOCOL error; the decoder can keep
// reading after it. Oversized lines and stream errors are terminal.
func (d *Decoder) Decode() (*Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := sonic.Unmarshal(line, &msg); err != nil {
			return nil, errs.Wrap(errs.CodeProtocol, err, "malformed message")
		}
		if err := validate(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, errs.Wrap(errs.CodeMessageTooLarge, err, "inbound message too large")
		}
		return nil, err
	}
	return nil, io.EOF
}

func validate(msg *Message) error {
	switch msg.Type {
	case KindRequest:
		if msg.ID == "" || msg.Method == "" {
			return errs.New(errs.CodeProtocol, "request without id or method")
		}
	case KindResponse:
		if msg.ID == "" {
			return errs.New(errs.CodeProtocol, "response without id")
		}
	case KindNotify, KindEvent:
		if msg.Method == "" {
			return errs.New(errs.CodeProtocol, "%s without method", msg.Type)
		}
	default:
		return errs.New(errs.CodeProtocol, "unknown message type %q", msg.Type)
	}
	return nil
}

// IsTerminal reports whether a Decode error ends the stream.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var coded *errs.Error
	if errors.As(err, &coded) {
		return coded.Code != errs.CodeProtocol
	}
	return true
}
