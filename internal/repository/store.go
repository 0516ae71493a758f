// Package repository defines the persisted store shared by every component
// and its SQLite implementation.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// Store is the single shared mutable resource. Every operation is a short,
// self-contained read-modify-write. Getters return (nil, nil) when the row
// does not exist.
type Store interface {
	// Machine operations
	UpsertMachine(ctx context.Context, machine *domain.Machine) error
	GetMachine(ctx context.Context, machineID string) (*domain.Machine, error)
	GetMachineByHostname(ctx context.Context, hostname string) (*domain.Machine, error)
	ListMachines(ctx context.Context) ([]domain.Machine, error)
	RecordHeartbeat(ctx context.Context, machineID string, capabilities json.RawMessage, seen time.Time) error
	TransitionMachineStatus(ctx context.Context, machineID string, from, to domain.MachineStatus) (bool, error)
	DeleteStaleMachines(ctx context.Context, lastSeenBefore time.Time) (int64, error)

	// Agent operations
	UpdateAgentStatus(ctx context.Context, update *domain.AgentStatusUpdate) (*domain.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	ListAgents(ctx context.Context, machineID string) ([]domain.Agent, error)
	CountActiveAgents(ctx context.Context, machineID string) (int, error)

	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error)
	ListSessionsByAgent(ctx context.Context, agentID string, status domain.SessionStatus) ([]domain.Session, error)
	SetSessionPID(ctx context.Context, sessionID string, pid int) error
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time) (bool, error)
	DeleteSession(ctx context.Context, sessionID string) error
	AppendSessionOutput(ctx context.Context, sessionID string, data []byte, keep int) error
	ListSessionOutput(ctx context.Context, sessionID string) ([][]byte, error)

	// Alert operations
	CreateAlert(ctx context.Context, alert *domain.Alert) error
	GetAlert(ctx context.Context, alertID string) (*domain.Alert, error)
	ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID string) (bool, error)

	// Relay message operations
	CreateMessage(ctx context.Context, message *domain.MachineMessage) (bool, error)
	GetMessage(ctx context.Context, messageID string) (*domain.MachineMessage, error)
	ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.MachineMessage, error)
	MarkMessagesRead(ctx context.Context, machineID string, messageIDs []string) (int64, error)

	// Checkpoint operations
	SaveCheckpoint(ctx context.Context, checkpoint *domain.Checkpoint) (bool, error)
	GetCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error)
	ListCheckpoints(ctx context.Context, status domain.CheckpointStatus, limit int) ([]domain.Checkpoint, error)
	ResumeCheckpoint(ctx context.Context, sessionID, newSessionID string, at time.Time) (bool, error)
	DeleteFinishedCheckpoints(ctx context.Context, updatedBefore time.Time) (int64, error)

	// Lifecycle
	Close() error
}
