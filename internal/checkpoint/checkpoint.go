// Package checkpoint makes interrupted agent runs resumable by a successor
// session.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/x/ansi"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/metrics"
	"github.com/xiaot623/gogo/fleet/internal/repository"
)

// MaxPartialOutput is the number of trailing output bytes kept in a snapshot.
const MaxPartialOutput = 8 * 1024

// Notifier receives checkpoint transitions. The hub implements it.
type Notifier interface {
	SendCheckpoint(cp *domain.Checkpoint)
}

// Interruption describes a session whose process disappeared before its
// agent reported a terminal status.
type Interruption struct {
	Session       *domain.Session
	Agent         *domain.Agent
	PartialOutput []byte
	ExitCode      *int
	Reason        string
}

// Manager owns the checkpoint state machine:
// (no row) -> interrupted -> resumed, or (no row) -> completed.
type Manager struct {
	store    repository.Store
	log      *zap.Logger
	notifier Notifier
	now      func() time.Time
}

// NewManager creates a manager. notifier may be nil.
func NewManager(store repository.Store, log *zap.Logger, notifier Notifier) *Manager {
	return &Manager{
		store:    store,
		log:      log.Named("checkpoint"),
		notifier: notifier,
		now:      time.Now,
	}
}

func (m *Manager) notify(cp *domain.Checkpoint) {
	metrics.Checkpoints.WithLabelValues(string(cp.Status)).Inc()
	if m.notifier != nil {
		m.notifier.SendCheckpoint(cp)
	}
}

func snapshot(session *domain.Session, agent *domain.Agent, at time.Time) domain.CheckpointState {
	state := domain.CheckpointState{CapturedAt: at}
	if session != nil {
		state.Command = session.Command
		state.Cwd = session.Cwd
		state.MachineID = session.MachineID
	}
	if agent != nil {
		state.AgentName = agent.Name
		state.AgentStatus = agent.Status
		state.Task = agent.CurrentTask
		state.Progress = agent.Progress
		state.TokensUsed = agent.TokensUsed
		state.LastOutput = agent.LastOutput
		if state.MachineID == "" {
			state.MachineID = agent.MachineID
		}
	}
	return state
}

// MarkInterrupted records the last known state of an interrupted session.
// A session already resumed or completed keeps its checkpoint unchanged.
func (m *Manager) MarkInterrupted(ctx context.Context, in Interruption) (*domain.Checkpoint, error) {
	if in.Session == nil || in.Session.ID == "" {
		return nil, fmt.Errorf("%w: session is required", domain.ErrInvalidArgument)
	}
	now := m.now()
	state := snapshot(in.Session, in.Agent, now)
	state.PartialOutput = domain.TailBytes(ansi.Strip(string(in.PartialOutput)), MaxPartialOutput)
	state.ExitCode = in.ExitCode
	state.Reason = in.Reason

	cp := &domain.Checkpoint{
		SessionID: in.Session.ID,
		AgentID:   in.Session.AgentID,
		Status:    domain.CheckpointStatusInterrupted,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	saved, err := m.store.SaveCheckpoint(ctx, cp)
	if err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	if !saved {
		existing, err := m.store.GetCheckpoint(ctx, in.Session.ID)
		if err != nil {
			return nil, err
		}
		m.log.Debug("checkpoint already final",
			zap.String("session_id", in.Session.ID),
			zap.String("status", string(existing.Status)))
		return existing, nil
	}

	m.log.Info("session interrupted",
		zap.String("session_id", cp.SessionID),
		zap.String("agent_id", cp.AgentID),
		zap.String("reason", in.Reason),
		zap.Int("progress", state.Progress))
	m.notify(cp)
	return cp, nil
}

// MarkCompleted records that the agent finished before any interruption was
// detected. An existing checkpoint is left as it is.
func (m *Manager) MarkCompleted(ctx context.Context, session *domain.Session, agent *domain.Agent) (*domain.Checkpoint, error) {
	if session == nil || session.ID == "" {
		return nil, fmt.Errorf("%w: session is required", domain.ErrInvalidArgument)
	}
	now := m.now()
	cp := &domain.Checkpoint{
		SessionID: session.ID,
		AgentID:   session.AgentID,
		Status:    domain.CheckpointStatusCompleted,
		State:     snapshot(session, agent, now),
		CreatedAt: now,
		UpdatedAt: now,
	}
	saved, err := m.store.SaveCheckpoint(ctx, cp)
	if err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	if !saved {
		return m.store.GetCheckpoint(ctx, session.ID)
	}
	m.notify(cp)
	return cp, nil
}

// MarkAsResumed lets newSessionID claim an interrupted checkpoint. It fails
// with ErrCheckpointConflict unless the checkpoint is currently interrupted.
func (m *Manager) MarkAsResumed(ctx context.Context, sessionID, newSessionID string) (*domain.Checkpoint, error) {
	if newSessionID == "" {
		return nil, fmt.Errorf("%w: newSessionId is required", domain.ErrInvalidArgument)
	}
	if newSessionID == sessionID {
		return nil, fmt.Errorf("%w: a session cannot resume itself", domain.ErrInvalidArgument)
	}

	ok, err := m.store.ResumeCheckpoint(ctx, sessionID, newSessionID, m.now())
	if err != nil {
		return nil, fmt.Errorf("resume checkpoint: %w", err)
	}
	cp, err := m.store.GetCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: checkpoint %s", domain.ErrNotFound, sessionID)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrCheckpointConflict, sessionID, cp.Status)
	}

	m.log.Info("checkpoint resumed",
		zap.String("session_id", sessionID),
		zap.String("resumed_by", newSessionID))
	m.notify(cp)
	return cp, nil
}

// Get returns the checkpoint of a session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: checkpoint %s", domain.ErrNotFound, sessionID)
	}
	return cp, nil
}

// List returns checkpoints, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status domain.CheckpointStatus, limit int) ([]domain.Checkpoint, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, status)
	}
	return m.store.ListCheckpoints(ctx, status, limit)
}

// ListInterrupted returns the unresolved checkpoints.
func (m *Manager) ListInterrupted(ctx context.Context) ([]domain.Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, domain.CheckpointStatusInterrupted, 0)
}

// Handoff renders the handoff prompt for a session's checkpoint.
func (m *Manager) Handoff(ctx context.Context, sessionID string) (string, *domain.Checkpoint, error) {
	cp, err := m.Get(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	return GenerateHandoffPrompt(cp), cp, nil
}

// Cleanup removes resumed and completed checkpoints last updated before
// maxAge ago. Interrupted checkpoints are never removed.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("%w: max age must be positive", domain.ErrInvalidArgument)
	}
	n, err := m.store.DeleteFinishedCheckpoints(ctx, m.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}
	if n > 0 {
		m.log.Info("checkpoints cleaned up", zap.Int64("deleted", n), zap.Duration("max_age", maxAge))
	}
	return n, nil
}

// RunCleanup calls Cleanup on every tick until ctx is done.
func (m *Manager) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := m.Cleanup(sweepCtx, maxAge); err != nil {
				m.log.Warn("checkpoint cleanup failed", zap.Error(err))
			}
			cancel()
		}
	}
}
