package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// UpdateAgentStatus is the only mutation path for agents. Every update is
// broadcast; the transition to completed also completes the checkpoints of
// the agent's active sessions.
func (s *Service) UpdateAgentStatus(ctx context.Context, upd *domain.AgentStatusUpdate) (*domain.Agent, error) {
	if upd.AgentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", domain.ErrInvalidArgument)
	}
	if upd.Status != "" && !upd.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, upd.Status)
	}
	if upd.Progress != nil && (*upd.Progress < 0 || *upd.Progress > 100) {
		return nil, fmt.Errorf("%w: progress must be between 0 and 100", domain.ErrInvalidArgument)
	}

	prev, err := s.store.GetAgent(ctx, upd.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if upd.At.IsZero() {
		upd.At = s.now()
	}
	agent, err := s.store.UpdateAgentStatus(ctx, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}

	s.hub.SendAgentUpdate(agent)

	if agent.Terminal() && (prev == nil || !prev.Terminal()) {
		s.hub.SendAgentDone(agent)
		s.completeSessions(ctx, agent)
	}
	return agent, nil
}

func (s *Service) completeSessions(ctx context.Context, agent *domain.Agent) {
	sessions, err := s.store.ListSessionsByAgent(ctx, agent.ID, domain.SessionStatusActive)
	if err != nil {
		s.log.Warn("list agent sessions failed", zap.String("agent_id", agent.ID), zap.Error(err))
		return
	}
	for i := range sessions {
		if _, err := s.checkpoints.MarkCompleted(ctx, &sessions[i], agent); err != nil {
			s.log.Warn("complete checkpoint failed", zap.String("session_id", sessions[i].ID), zap.Error(err))
		}
	}
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, agentID)
	}
	return agent, nil
}

func (s *Service) ListAgents(ctx context.Context, machineID string) ([]domain.Agent, error) {
	agents, err := s.store.ListAgents(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// PublishHookEvent forwards a hook or tool event to viewers.
func (s *Service) PublishHookEvent(ev *domain.HookEvent) error {
	if ev.Type == "" {
		return fmt.Errorf("%w: event type is required", domain.ErrInvalidArgument)
	}
	s.hub.SendHookEvent(ev)
	return nil
}
