// Package protocol defines the websocket envelope exchanged between the hub
// and its viewers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types from viewer to hub
const (
	TypeHello     = "hello"
	TypeAttach    = "attach"
	TypeDetach    = "detach"
	TypePTYInput  = "pty-input"
	TypePTYResize = "pty-resize"
)

// Message types from hub to viewer
const (
	TypeHelloAck    = "hello_ack"
	TypeError       = "error"
	TypePTYOutput   = "pty-output"
	TypePTYExit     = "pty-exit"
	TypeAgentUpdate = "agent_update"
	TypeAgentDone   = "agent_done"
	TypeAlert       = "alert"
	TypeCheckpoint  = "checkpoint"
	TypeHookEvent   = "hook_event"
)

// TypeRelayMessage carries a relayed machine message over a machine link,
// in either direction.
const TypeRelayMessage = "relay_message"

// Envelope is the single frame shape on a viewer socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts"`
}

// Encode wraps payload in an envelope of the given type.
func Encode(typ string, payload any) ([]byte, error) {
	env := Envelope{Type: typ, Ts: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses an envelope; the payload stays raw until dispatch.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("missing type")
	}
	return &env, nil
}

// Unmarshal decodes the payload into v.
func (e *Envelope) Unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// HelloPayload authenticates a viewer connection.
type HelloPayload struct {
	APIKey     string            `json:"api_key,omitempty"`
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckPayload confirms authentication.
type HelloAckPayload struct {
	ConnectionID string   `json:"connection_id"`
	Sessions     []string `json:"sessions"`
}

// AttachPayload selects the session whose input a viewer may drive.
type AttachPayload struct {
	SessionID string `json:"session_id"`
}

// PTYInputPayload carries keystrokes for a session.
type PTYInputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// PTYResizePayload changes the window of a session.
type PTYResizePayload struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// PTYOutputPayload carries an output chunk. Data holds the raw bytes the
// process wrote and is base64 on the wire, so chunks cut inside a multi-byte
// character reassemble exactly. Replay marks the buffered history sent on
// attach.
type PTYOutputPayload struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
	Replay    bool   `json:"replay,omitempty"`
}

// PTYExitPayload reports that a session's process ended.
type PTYExitPayload struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

// ErrorPayload is sent by the hub when a frame is rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeUnauthorized    = "unauthorized"
	ErrorCodeSessionRequired = "session_required"
	ErrorCodeSessionNotFound = "session_not_found"
	ErrorCodeInternalError   = "internal_error"
)
