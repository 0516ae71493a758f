// Package domain defines the core domain models for the fleet hub.
package domain

// MachineStatus represents the liveness of a machine.
type MachineStatus string

const (
	MachineStatusOnline  MachineStatus = "online"
	MachineStatusOffline MachineStatus = "offline"
	MachineStatusError   MachineStatus = "error"
)

// AgentStatus represents the reported status of an agent.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusWorking   AgentStatus = "working"
	AgentStatusWaiting   AgentStatus = "waiting"
	AgentStatusError     AgentStatus = "error"
	AgentStatusCompleted AgentStatus = "completed"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusWorking, AgentStatusWaiting, AgentStatusError, AgentStatusCompleted:
		return true
	}
	return false
}

// SessionStatus represents the persisted status of a terminal session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusPaused SessionStatus = "paused"
	SessionStatusClosed SessionStatus = "closed"
)

// AlertType is the closed set of alert kinds.
type AlertType string

const (
	AlertTypeAgentStuck      AlertType = "agent_stuck"
	AlertTypeAgentError      AlertType = "agent_error"
	AlertTypeAgentWaiting    AlertType = "agent_waiting"
	AlertTypeMachineOffline  AlertType = "machine_offline"
	AlertTypeResourceHigh    AlertType = "resource_high"
	AlertTypeContextOverflow AlertType = "context_overflow"
	AlertTypeTaskFailed      AlertType = "task_failed"
)

// CheckpointStatus represents the state of a checkpoint.
type CheckpointStatus string

const (
	CheckpointStatusInterrupted CheckpointStatus = "interrupted"
	CheckpointStatusResumed     CheckpointStatus = "resumed"
	CheckpointStatusCompleted   CheckpointStatus = "completed"
)

// Valid reports whether s is a known checkpoint status.
func (s CheckpointStatus) Valid() bool {
	switch s {
	case CheckpointStatusInterrupted, CheckpointStatusResumed, CheckpointStatusCompleted:
		return true
	}
	return false
}

// Channel names a relay delivery channel.
type Channel string

const (
	ChannelWebSocket Channel = "websocket"
	ChannelNATS      Channel = "nats"
	ChannelHTTP      Channel = "http"
	ChannelPoll      Channel = "poll"
)

// Valid reports whether c is a known delivery channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWebSocket, ChannelNATS, ChannelHTTP, ChannelPoll:
		return true
	}
	return false
}

// MessageType represents the kind of a relayed machine message.
type MessageType string

const (
	MessageTypeChat      MessageType = "chat"
	MessageTypeCommand   MessageType = "command"
	MessageTypeStatus    MessageType = "status"
	MessageTypeHeartbeat MessageType = "heartbeat"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeChat, MessageTypeCommand, MessageTypeStatus, MessageTypeHeartbeat:
		return true
	}
	return false
}

// BroadcastRecipient addresses every known machine.
const BroadcastRecipient = "*"
