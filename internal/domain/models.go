package domain

import (
	"encoding/json"
	"time"
)

// Machine is a host registered with the hub.
type Machine struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Hostname     string          `json:"hostname"`
	Address      string          `json:"address,omitempty"`
	Status       MachineStatus   `json:"status"`
	Channels     []Channel       `json:"channels,omitempty"`
	LastSeen     time.Time       `json:"last_seen"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EffectiveStatus derives liveness from LastSeen so that a machine whose
// heartbeats stopped reads as offline without waiting for a sweep.
func (m *Machine) EffectiveStatus(now time.Time, timeout time.Duration) MachineStatus {
	if m.Status == MachineStatusOnline && now.Sub(m.LastSeen) > timeout {
		return MachineStatusOffline
	}
	return m.Status
}

// Stats decodes the capability snapshot. Unknown fields are ignored.
func (m *Machine) Stats() (MachineStats, error) {
	var stats MachineStats
	if len(m.Capabilities) == 0 {
		return stats, nil
	}
	err := json.Unmarshal(m.Capabilities, &stats)
	return stats, err
}

// MachineStats is the resource snapshot carried by heartbeats.
type MachineStats struct {
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	MemoryUsed    uint64   `json:"memory_used_bytes,omitempty"`
	MemoryTotal   uint64   `json:"memory_total_bytes,omitempty"`
	GPUPercent    *float64 `json:"gpu_percent,omitempty"`
	NumCPU        int      `json:"num_cpu,omitempty"`
	UptimeSeconds uint64   `json:"uptime_seconds"`
	OS            string   `json:"os,omitempty"`
	Platform      string   `json:"platform,omitempty"`
	ActiveAgents  int      `json:"active_agents"`
}

// Agent is an agent process owned by exactly one machine.
type Agent struct {
	ID                string          `json:"id"`
	MachineID         string          `json:"machine_id"`
	Name              string          `json:"name"`
	Type              string          `json:"type,omitempty"`
	Status            AgentStatus     `json:"status"`
	CurrentTask       string          `json:"current_task,omitempty"`
	Progress          int             `json:"progress"`
	TokensUsed        int64           `json:"tokens_used"`
	ContextUsed       int64           `json:"context_used"`
	ContextLimit      int64           `json:"context_limit,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	LastActivity      time.Time       `json:"last_activity"`
	ProgressChangedAt time.Time       `json:"progress_changed_at"`
	LastOutput        string          `json:"last_output,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
}

// Terminal reports whether the agent has reached a final status.
func (a *Agent) Terminal() bool {
	return a.Status == AgentStatusCompleted
}

// Session is the persisted record of a pseudo-terminal session.
// PID is zero until the process is live.
type Session struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id,omitempty"`
	MachineID string        `json:"machine_id"`
	PID       int           `json:"pid,omitempty"`
	Command   string        `json:"command"`
	Args      []string      `json:"args,omitempty"`
	Cwd       string        `json:"cwd,omitempty"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`
}

// Alert is an operational anomaly. Only Acknowledged is mutable.
type Alert struct {
	ID           string    `json:"id"`
	MachineID    string    `json:"machine_id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	Type         AlertType `json:"type"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}

// MachineMessage is one entry in the relay log. Seq is the monotonic cursor
// assigned on persistence.
type MachineMessage struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	FromID    string          `json:"from_machine_id"`
	FromName  string          `json:"from_machine_name,omitempty"`
	ToID      string          `json:"to_machine_id"`
	ToName    string          `json:"to_machine_name,omitempty"`
	Channel   Channel         `json:"channel"`
	Type      MessageType     `json:"type"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// IsBroadcast reports whether the message addresses every machine.
func (m *MachineMessage) IsBroadcast() bool {
	return m.ToID == BroadcastRecipient
}

// Checkpoint is the durable state of an interrupted or finished agent session.
type Checkpoint struct {
	SessionID string           `json:"session_id"`
	AgentID   string           `json:"agent_id,omitempty"`
	Status    CheckpointStatus `json:"status"`
	State     CheckpointState  `json:"state"`
	ResumedBy string           `json:"resumed_by,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// CheckpointState is the last known task state of a session.
type CheckpointState struct {
	AgentName     string      `json:"agent_name,omitempty"`
	AgentStatus   AgentStatus `json:"agent_status,omitempty"`
	Task          string      `json:"task,omitempty"`
	Progress      int         `json:"progress"`
	TokensUsed    int64       `json:"tokens_used,omitempty"`
	Command       string      `json:"command,omitempty"`
	Cwd           string      `json:"cwd,omitempty"`
	MachineID     string      `json:"machine_id,omitempty"`
	LastOutput    string      `json:"last_output,omitempty"`
	PartialOutput string      `json:"partial_output,omitempty"`
	ExitCode      *int        `json:"exit_code,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	CapturedAt    time.Time   `json:"captured_at"`
}
