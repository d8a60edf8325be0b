package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message is the raw JSON representation of a single JSON-RPC message. The
// gateway relays messages without interpreting them, so this stays opaque.
type Message []byte

// MarshalJSON emits the message verbatim so it can be embedded in other
// JSON documents without being base64 encoded.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

// Compact returns the message with insignificant whitespace removed, so it
// never spans more than one line.
func (m Message) Compact() (Message, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, m); err != nil {
		return nil, fmt.Errorf("compact message: %w", err)
	}
	return Message(buf.Bytes()), nil
}

// Line returns the compacted message terminated by a single newline, ready
// for a line-delimited stream.
func (m Message) Line() ([]byte, error) {
	c, err := m.Compact()
	if err != nil {
		return nil, err
	}
	return append(c, '\n'), nil
}

// AnyMessage is a generic JSON-RPC message (request, notification, or response).
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON enforces JSON-RPC 2.0 envelope semantics.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type rawMessage struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         string          `json:"method,omitempty"`
		Params         json.RawMessage `json:"params,omitempty"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          *Error          `json:"error,omitempty"`
		ID             *RequestID      `json:"id,omitempty"`
	}

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}

	hasMethod := raw.Method != ""
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil

	if hasMethod {
		if hasResult || hasError {
			return fmt.Errorf("request message cannot have result or error fields")
		}
	} else {
		if hasResult && hasError {
			return fmt.Errorf("response message cannot have both result and error fields")
		}
		if !hasResult && !hasError {
			return fmt.Errorf("response message must have either result or error field")
		}
	}

	m.JSONRPCVersion = raw.JSONRPCVersion
	m.Method = raw.Method
	m.Params = raw.Params
	m.Result = raw.Result
	m.Error = raw.Error
	m.ID = raw.ID

	return nil
}

// Type returns "request", "notification" or "response".
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID == nil {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// Validate parses msg as a JSON-RPC 2.0 envelope.
func Validate(msg Message) (*AnyMessage, error) {
	var any AnyMessage
	if err := json.Unmarshal(msg, &any); err != nil {
		return nil, err
	}
	return &any, nil
}

// Peek extracts the method, id and message type of msg for logging. It never
// fails: fields that cannot be determined are left empty.
func Peek(msg Message) (method, id, typ string) {
	var probe struct {
		Method string     `json:"method"`
		ID     *RequestID `json:"id"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		return "", "", ""
	}
	switch {
	case probe.Method != "" && probe.ID == nil:
		typ = "notification"
	case probe.Method != "":
		typ = "request"
	default:
		typ = "response"
	}
	return probe.Method, probe.ID.String(), typ
}
