// Package monitor scans agent and machine state on an interval and raises
// alerts for stalls, errors, offline machines and resource pressure.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/metrics"
	"github.com/xiaot623/gogo/fleet/internal/repository"
)

// Notifier pushes persisted alerts to viewers. The hub implements it.
type Notifier interface {
	SendAlert(alert *domain.Alert)
}

// Thresholds are the tunable heuristics. They may change at runtime.
type Thresholds struct {
	StuckThreshold  time.Duration
	WaitingInterval time.Duration
	OfflineTimeout  time.Duration
	CPU             float64
	Memory          float64
	GPU             float64
	ContextRatio    float64
}

// DefaultThresholds mirrors the configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StuckThreshold:  10 * time.Minute,
		WaitingInterval: 5 * time.Minute,
		OfflineTimeout:  2 * time.Minute,
		CPU:             90,
		Memory:          90,
		GPU:             95,
		ContextRatio:    0.9,
	}
}

// Monitor is the hub-side alert scanner.
type Monitor struct {
	store    repository.Store
	log      *zap.Logger
	notifier Notifier
	policy   *Policy
	now      func() time.Time

	mu sync.Mutex
	th Thresholds

	// Per-agent latches. stuck and failed hold the progress_changed_at of
	// the episode already alerted; a new episode has a newer timestamp.
	stuck       map[string]time.Time
	failed      map[string]time.Time
	waitAlerted map[string]time.Time
	overflow    map[string]bool
}

// New creates a monitor. notifier may be nil.
func New(store repository.Store, log *zap.Logger, notifier Notifier, policy *Policy, th Thresholds) *Monitor {
	return &Monitor{
		store:       store,
		log:         log.Named("monitor"),
		notifier:    notifier,
		policy:      policy,
		now:         time.Now,
		th:          th,
		stuck:       make(map[string]time.Time),
		failed:      make(map[string]time.Time),
		waitAlerted: make(map[string]time.Time),
		overflow:    make(map[string]bool),
	}
}

// SetClock replaces the time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// SetThresholds swaps the heuristics, e.g. after a config reload.
func (m *Monitor) SetThresholds(th Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.th = th
	m.log.Info("thresholds updated",
		zap.Duration("stuck", th.StuckThreshold),
		zap.Duration("waiting", th.WaitingInterval),
		zap.Float64("cpu", th.CPU),
		zap.Float64("memory", th.Memory))
}

// Thresholds returns the active heuristics.
func (m *Monitor) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.th
}

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, interval)
			if err := m.Tick(tickCtx); err != nil {
				m.log.Warn("monitor tick failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Tick runs one scan over every machine and its agents.
func (m *Monitor) Tick(ctx context.Context) error {
	th := m.Thresholds()
	now := m.now()

	machines, err := m.store.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}

	seen := make(map[string]bool)
	for i := range machines {
		machine := &machines[i]
		if machine.Status == domain.MachineStatusOnline && machine.EffectiveStatus(now, th.OfflineTimeout) != domain.MachineStatusOnline {
			m.markOffline(ctx, machine, now)
			continue
		}
		if machine.Status != domain.MachineStatusOnline {
			continue
		}

		m.checkResources(ctx, machine, th)

		agents, err := m.store.ListAgents(ctx, machine.ID)
		if err != nil {
			m.log.Warn("list agents failed", zap.String("machine_id", machine.ID), zap.Error(err))
			continue
		}
		for j := range agents {
			seen[agents[j].ID] = true
			for _, alert := range m.agentAlerts(&agents[j], now, th) {
				m.raise(ctx, alert)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, latch := range []map[string]time.Time{m.stuck, m.failed, m.waitAlerted} {
		for id := range latch {
			if !seen[id] {
				delete(latch, id)
			}
		}
	}
	for id := range m.overflow {
		if !seen[id] {
			delete(m.overflow, id)
		}
	}
	return nil
}

func (m *Monitor) markOffline(ctx context.Context, machine *domain.Machine, now time.Time) {
	flipped, err := m.store.TransitionMachineStatus(ctx, machine.ID, domain.MachineStatusOnline, domain.MachineStatusOffline)
	if err != nil {
		m.log.Warn("mark machine offline failed", zap.String("machine_id", machine.ID), zap.Error(err))
		return
	}
	if !flipped {
		return
	}
	m.log.Info("machine offline",
		zap.String("machine_id", machine.ID),
		zap.Duration("silent_for", now.Sub(machine.LastSeen).Round(time.Second)))
	m.raise(ctx, &domain.Alert{
		MachineID: machine.ID,
		Type:      domain.AlertTypeMachineOffline,
		Message:   fmt.Sprintf("machine %s has not sent a heartbeat since %s", machine.Name, machine.LastSeen.UTC().Format(time.RFC3339)),
	})
}

func (m *Monitor) checkResources(ctx context.Context, machine *domain.Machine, th Thresholds) {
	if m.policy == nil {
		return
	}
	breaches, err := m.policy.Evaluate(ctx, machine.Capabilities, th)
	if err != nil {
		m.log.Warn("resource policy failed", zap.String("machine_id", machine.ID), zap.Error(err))
		return
	}
	for _, b := range breaches {
		m.raise(ctx, &domain.Alert{
			MachineID: machine.ID,
			Type:      domain.AlertTypeResourceHigh,
			Message:   breachMessage(machine, b),
		})
	}
}

// agentAlerts decides which alerts an agent warrants and updates its latches.
// The latches are held only for the decision; persisting happens after.
func (m *Monitor) agentAlerts(a *domain.Agent, now time.Time, th Thresholds) []*domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var alerts []*domain.Alert
	changed := a.ProgressChangedAt

	switch a.Status {
	case domain.AgentStatusWorking:
		if now.Sub(changed) > th.StuckThreshold {
			if latched, ok := m.stuck[a.ID]; !ok || !latched.Equal(changed) {
				m.stuck[a.ID] = changed
				alerts = append(alerts, &domain.Alert{
					MachineID: a.MachineID,
					AgentID:   a.ID,
					Type:      domain.AlertTypeAgentStuck,
					Message: fmt.Sprintf("agent %s has been at %d%% for %s",
						a.Name, a.Progress, now.Sub(changed).Round(time.Second)),
				})
			}
		}
	case domain.AgentStatusWaiting:
		ref := changed
		if last, ok := m.waitAlerted[a.ID]; ok && last.After(ref) {
			ref = last
		}
		if now.Sub(ref) > th.WaitingInterval {
			m.waitAlerted[a.ID] = now
			alerts = append(alerts, &domain.Alert{
				MachineID: a.MachineID,
				AgentID:   a.ID,
				Type:      domain.AlertTypeAgentWaiting,
				Message:   fmt.Sprintf("agent %s is waiting for input since %s", a.Name, changed.UTC().Format(time.RFC3339)),
			})
		}
	case domain.AgentStatusError:
		if latched, ok := m.failed[a.ID]; !ok || !latched.Equal(changed) {
			m.failed[a.ID] = changed
			msg := fmt.Sprintf("agent %s reported an error", a.Name)
			if a.LastOutput != "" {
				msg += ": " + truncate(a.LastOutput, 200)
			}
			alerts = append(alerts, &domain.Alert{
				MachineID: a.MachineID,
				AgentID:   a.ID,
				Type:      domain.AlertTypeAgentError,
				Message:   msg,
			})
		}
	}
	if a.Status != domain.AgentStatusWaiting {
		delete(m.waitAlerted, a.ID)
	}

	over := a.ContextLimit > 0 && th.ContextRatio > 0 &&
		float64(a.ContextUsed) >= th.ContextRatio*float64(a.ContextLimit)
	if over && !m.overflow[a.ID] {
		alerts = append(alerts, &domain.Alert{
			MachineID: a.MachineID,
			AgentID:   a.ID,
			Type:      domain.AlertTypeContextOverflow,
			Message:   fmt.Sprintf("agent %s has used %d of %d context tokens", a.Name, a.ContextUsed, a.ContextLimit),
		})
	}
	m.overflow[a.ID] = over
	return alerts
}

// Raise persists an alert and then pushes it to viewers. A missing or
// failing notifier never affects persistence.
func (m *Monitor) Raise(ctx context.Context, alert *domain.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.now()
	}
	if err := m.store.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("persist alert: %w", err)
	}
	metrics.AlertsRaised.WithLabelValues(string(alert.Type)).Inc()
	m.log.Info("alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("machine_id", alert.MachineID),
		zap.String("agent_id", alert.AgentID))

	if m.notifier != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Warn("alert broadcast panicked", zap.Any("panic", r))
				}
			}()
			m.notifier.SendAlert(alert)
		}()
	}
	return nil
}

func (m *Monitor) raise(ctx context.Context, alert *domain.Alert) {
	if err := m.Raise(ctx, alert); err != nil {
		m.log.Warn("raise alert failed", zap.String("type", string(alert.Type)), zap.Error(err))
	}
}

// PurgeStale deletes machines offline for more than days, with their agents.
func (m *Monitor) PurgeStale(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", domain.ErrInvalidArgument)
	}
	n, err := m.store.DeleteStaleMachines(ctx, m.now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("purge stale machines: %w", err)
	}
	if n > 0 {
		m.log.Info("stale machines purged", zap.Int64("deleted", n), zap.Int("days", days))
	}
	return n, nil
}

// RunStaleSweep purges stale machines on every tick until ctx is done.
func (m *Monitor) RunStaleSweep(ctx context.Context, interval time.Duration, days int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := m.PurgeStale(sweepCtx, days); err != nil {
				m.log.Warn("stale machine sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return domain.HeadBytes(s, n) + "..."
}
