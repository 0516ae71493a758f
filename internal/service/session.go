package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/checkpoint"
	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/metrics"
	"github.com/xiaot623/gogo/fleet/internal/ringbuf"
	"github.com/xiaot623/gogo/fleet/internal/terminal"
)

// CreateSession persists a session row and spawns its process. A failed
// spawn removes the row again.
func (s *Service) CreateSession(ctx context.Context, req *domain.CreateSessionRequest) (*domain.Session, error) {
	if req.MachineID == "" || req.Command == "" {
		return nil, fmt.Errorf("%w: machine_id and command are required", domain.ErrInvalidArgument)
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	existing, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if existing != nil || s.terminals.Has(id) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateSession, id)
	}

	session := &domain.Session{
		ID:        id,
		AgentID:   req.AgentID,
		MachineID: req.MachineID,
		Command:   req.Command,
		Args:      req.Args,
		Cwd:       req.Cwd,
		Status:    domain.SessionStatusActive,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	// Subscribe before spawning so a short-lived process loses no output.
	w := &watch{output: newOutputWriter(s.store, s.log, id, s.opts.Terminal.MaxChunks)}
	s.mu.Lock()
	s.watches[id] = w
	s.mu.Unlock()
	w.unsubOutput = s.terminals.SubscribeOutput(id, w.output.enqueue)
	w.unsubExit = s.terminals.SubscribeSessionExit(id, func(ev terminal.Event) {
		s.onExit(session, ev)
	})

	pid, err := s.terminals.Create(id, terminal.Options{
		Command: req.Command,
		Args:    req.Args,
		Cwd:     req.Cwd,
		Env:     envList(req.Env),
		Cols:    req.Cols,
		Rows:    req.Rows,
	})
	if err != nil {
		s.forget(id)
		if delErr := s.store.DeleteSession(context.WithoutCancel(ctx), id); delErr != nil {
			s.log.Error("rollback session row failed", zap.String("session_id", id), zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to spawn session: %w", err)
	}

	if err := s.store.SetSessionPID(ctx, id, pid); err != nil {
		s.log.Warn("record pid failed", zap.String("session_id", id), zap.Error(err))
	}
	session.PID = pid
	s.hub.RegisterPTY(id, s.terminals)
	metrics.ActiveSessions.Set(float64(s.terminals.Count()))

	return session, nil
}

func (s *Service) forget(id string) *watch {
	s.mu.Lock()
	w := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()
	if w != nil {
		w.release()
	}
	return w
}

// onExit closes the row and checkpoints an agent session whose agent did not
// report completion.
func (s *Service) onExit(session *domain.Session, ev terminal.Event) {
	w := s.forget(session.ID)
	killed := w != nil && w.killed

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if w != nil && w.output != nil {
		if err := w.output.wait(ctx); err != nil {
			s.log.Warn("output not fully persisted", zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	metrics.ActiveSessions.Set(float64(s.terminals.Count()))
	if _, err := s.store.CloseSession(ctx, session.ID, ev.At); err != nil {
		s.log.Warn("close session failed", zap.String("session_id", session.ID), zap.Error(err))
	}
	if session.AgentID == "" {
		return
	}

	agent, err := s.store.GetAgent(ctx, session.AgentID)
	if err != nil {
		s.log.Warn("load agent failed", zap.String("agent_id", session.AgentID), zap.Error(err))
	}
	if agent != nil && agent.Terminal() {
		if _, err := s.checkpoints.MarkCompleted(ctx, session, agent); err != nil {
			s.log.Warn("complete checkpoint failed", zap.String("session_id", session.ID), zap.Error(err))
		}
		return
	}

	reason := "process exited"
	if killed {
		reason = "session killed"
	}
	output, _ := s.terminals.Buffer(session.ID)
	code := ev.ExitCode
	if _, err := s.checkpoints.MarkInterrupted(ctx, checkpoint.Interruption{
		Session:       session,
		Agent:         agent,
		PartialOutput: output,
		ExitCode:      &code,
		Reason:        reason,
	}); err != nil {
		s.log.Warn("interrupt checkpoint failed", zap.String("session_id", session.ID), zap.Error(err))
	}

	if code != 0 && !killed && s.monitor != nil {
		name := session.AgentID
		if agent != nil {
			name = agent.Name
		}
		if err := s.monitor.Raise(ctx, &domain.Alert{
			MachineID: session.MachineID,
			AgentID:   session.AgentID,
			Type:      domain.AlertTypeTaskFailed,
			Message:   fmt.Sprintf("session %s of agent %s exited with code %d", session.ID, name, code),
		}); err != nil {
			s.log.Warn("raise task_failed failed", zap.Error(err))
		}
	}
}

// KillSession signals a live session, waits briefly for it to exit and
// closes the row. Killing a closed session returns it unchanged.
func (s *Service) KillSession(ctx context.Context, sessionID string, sig os.Signal) (*domain.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if s.terminals.Has(sessionID) {
		s.mu.Lock()
		if w := s.watches[sessionID]; w != nil {
			w.killed = true
		}
		s.mu.Unlock()

		if err := s.terminals.Kill(sessionID, sig); err != nil {
			return nil, err
		}
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.terminals.Wait(waitCtx, sessionID)
		cancel()
		if err != nil {
			s.log.Warn("session did not exit after signal", zap.String("session_id", sessionID))
		}
	}

	if session.Status != domain.SessionStatusClosed {
		if _, err := s.store.CloseSession(ctx, sessionID, s.now()); err != nil {
			return nil, fmt.Errorf("failed to close session: %w", err)
		}
	}
	return s.GetSession(ctx, sessionID)
}

// Input writes keystrokes to a session. Input for an exited session is
// dropped by the terminal manager.
func (s *Service) Input(ctx context.Context, sessionID string, data []byte) error {
	if !s.terminals.Has(sessionID) {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return s.terminals.Write(sessionID, data)
}

func (s *Service) Resize(ctx context.Context, sessionID string, cols, rows uint16) error {
	if !s.terminals.Has(sessionID) {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return s.terminals.Resize(sessionID, cols, rows)
}

// GetBuffer returns the live ring of a session, or its persisted replay log
// rebuilt under the same bounds.
func (s *Service) GetBuffer(ctx context.Context, sessionID string) ([]byte, error) {
	if buf, ok := s.terminals.Buffer(sessionID); ok {
		return buf, nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	chunks, err := s.store.ListSessionOutput(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session output: %w", err)
	}
	return ringbuf.FromChunks(s.opts.Terminal.MaxChunks, s.opts.Terminal.MaxBytes, chunks).Bytes(), nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return session, nil
}

func (s *Service) ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	sessions, err := s.store.ListSessions(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// LiveSessions returns the ids of sessions with a running process.
func (s *Service) LiveSessions() []string {
	ids := s.terminals.List()
	sort.Strings(ids)
	return ids
}

// RecoverInterrupted closes sessions left active by a previous process and
// checkpoints the agent sessions among them.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	sessions, err := s.store.ListSessions(ctx, domain.SessionStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	recovered := 0
	for i := range sessions {
		session := &sessions[i]
		if s.terminals.Has(session.ID) {
			continue
		}
		if _, err := s.store.CloseSession(ctx, session.ID, s.now()); err != nil {
			return recovered, fmt.Errorf("failed to close session %s: %w", session.ID, err)
		}
		recovered++
		if session.AgentID == "" {
			continue
		}

		agent, err := s.store.GetAgent(ctx, session.AgentID)
		if err != nil {
			return recovered, err
		}
		if agent != nil && agent.Terminal() {
			continue
		}
		chunks, err := s.store.ListSessionOutput(ctx, session.ID)
		if err != nil {
			return recovered, err
		}
		output := ringbuf.FromChunks(s.opts.Terminal.MaxChunks, s.opts.Terminal.MaxBytes, chunks).Bytes()
		if _, err := s.checkpoints.MarkInterrupted(ctx, checkpoint.Interruption{
			Session:       session,
			Agent:         agent,
			PartialOutput: output,
			Reason:        "hub restarted",
		}); err != nil && !errors.Is(err, domain.ErrInvalidArgument) {
			return recovered, err
		}
	}
	if recovered > 0 {
		s.log.Info("recovered sessions from previous run", zap.Int("count", recovered))
	}
	return recovered, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ParseSignal maps a signal name such as "SIGKILL" or "kill" to a signal.
// An empty name yields nil, which the terminal manager treats as SIGTERM.
func ParseSignal(name string) (os.Signal, error) {
	if name == "" {
		return nil, nil
	}
	n := strings.ToUpper(name)
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	if sig, ok := signals[n]; ok {
		return sig, nil
	}
	return nil, fmt.Errorf("%w: unknown signal %q", domain.ErrInvalidArgument, name)
}

var signals = map[string]os.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGKILL": syscall.SIGKILL,
	"SIGTERM": syscall.SIGTERM,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}
