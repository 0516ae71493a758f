package domain

import (
	"encoding/json"
	"time"
)

// CreateSessionRequest asks the hub to spawn a terminal session.
type CreateSessionRequest struct {
	ID        string            `json:"id,omitempty"`
	MachineID string            `json:"machine_id"`
	AgentID   string            `json:"agent_id,omitempty"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      uint16            `json:"cols,omitempty"`
	Rows      uint16            `json:"rows,omitempty"`
}

// SessionInputRequest carries keystrokes for a session.
type SessionInputRequest struct {
	Data string `json:"data"`
}

// ResizeRequest changes a session's window size.
type ResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// AgentStatusUpdate is the only mutation path for an agent record.
// Nil pointer fields keep their previous values.
type AgentStatusUpdate struct {
	AgentID      string          `json:"agent_id"`
	MachineID    string          `json:"machine_id"`
	Name         string          `json:"name,omitempty"`
	Type         string          `json:"type,omitempty"`
	Status       AgentStatus     `json:"status"`
	CurrentTask  *string         `json:"current_task,omitempty"`
	Progress     *int            `json:"progress,omitempty"`
	TokensUsed   *int64          `json:"tokens_used,omitempty"`
	ContextUsed  *int64          `json:"context_used,omitempty"`
	ContextLimit *int64          `json:"context_limit,omitempty"`
	LastOutput   *string         `json:"last_output,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	At           time.Time       `json:"-"`
}

// Heartbeat is a periodic liveness and resource report from a machine.
type Heartbeat struct {
	MachineID string       `json:"machine_id,omitempty"`
	Name      string       `json:"name,omitempty"`
	Hostname  string       `json:"hostname"`
	Address   string       `json:"address,omitempty"`
	Channels  []Channel    `json:"channels,omitempty"`
	Stats     MachineStats `json:"stats"`
}

// MachineDescriptor registers or updates a machine with the relay.
type MachineDescriptor struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Hostname     string          `json:"hostname"`
	Address      string          `json:"address,omitempty"`
	Channels     []Channel       `json:"channels,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// SendMessageRequest is a relay send from one machine to another (or "*").
type SendMessageRequest struct {
	ID       string          `json:"id,omitempty"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to"`
	Content  string          `json:"content"`
	Type     MessageType     `json:"type,omitempty"`
	Channel  Channel         `json:"channel,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// MessageFilter narrows relay history queries. Zero values match everything.
// To also matches broadcast messages.
type MessageFilter struct {
	From        string
	To          string
	ExcludeFrom string
	Type        MessageType
	Channel     Channel
	AfterSeq    int64
	Since       time.Time
	UnreadOnly  bool
	Limit       int
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	UnacknowledgedOnly bool
	MachineID          string
	AgentID            string
	Type               AlertType
	Limit              int
}

// ResumeRequest claims an interrupted checkpoint for a new session.
type ResumeRequest struct {
	NewSessionID string `json:"newSessionId"`
}

// HookEvent is a generic hook/tool event forwarded to viewers.
type HookEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
