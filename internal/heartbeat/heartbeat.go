// Package heartbeat periodically reports this machine's liveness and
// resource usage to the hub.
package heartbeat

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// Reporter delivers a heartbeat. The hub service records it directly; a
// worker sends it over HTTP with the relay client.
type Reporter interface {
	Heartbeat(ctx context.Context, hb *domain.Heartbeat) (*domain.Machine, error)
}

// AgentCounter counts working or waiting agents owned by a machine.
type AgentCounter interface {
	CountActiveAgents(ctx context.Context, machineID string) (int, error)
}

// Identity describes the local machine.
type Identity struct {
	MachineID string
	Name      string
	Hostname  string
	Address   string
	Channels  []domain.Channel
}

// Service sends heartbeats on an interval.
type Service struct {
	reporter Reporter
	sampler  Sampler
	counter  AgentCounter
	log      *zap.Logger

	mu       sync.Mutex
	identity Identity
}

// NewService creates a heartbeat service. counter may be nil when agent
// records are not local. An empty hostname defaults to os.Hostname.
func NewService(reporter Reporter, sampler Sampler, counter AgentCounter, identity Identity, log *zap.Logger) *Service {
	if identity.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			identity.Hostname = h
		}
	}
	if sampler == nil {
		sampler = SystemSampler{}
	}
	return &Service{
		reporter: reporter,
		sampler:  sampler,
		counter:  counter,
		log:      log.Named("heartbeat"),
		identity: identity,
	}
}

// MachineID returns the id assigned by the hub, empty before the first beat
// of a self-registering machine.
func (s *Service) MachineID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.MachineID
}

// Beat samples and reports once. The machine id returned by the hub is kept
// for later beats.
func (s *Service) Beat(ctx context.Context) (*domain.Machine, error) {
	s.mu.Lock()
	id := s.identity
	s.mu.Unlock()

	stats, err := s.sampler.Sample(ctx)
	if err != nil {
		s.log.Warn("resource sample incomplete", zap.Error(err))
	}
	if s.counter != nil && id.MachineID != "" {
		n, err := s.counter.CountActiveAgents(ctx, id.MachineID)
		if err != nil {
			s.log.Warn("count active agents failed", zap.Error(err))
		}
		stats.ActiveAgents = n
	}

	machine, err := s.reporter.Heartbeat(ctx, &domain.Heartbeat{
		MachineID: id.MachineID,
		Name:      id.Name,
		Hostname:  id.Hostname,
		Address:   id.Address,
		Channels:  id.Channels,
		Stats:     stats,
	})
	if err != nil {
		return nil, fmt.Errorf("report heartbeat: %w", err)
	}

	s.mu.Lock()
	if s.identity.MachineID == "" {
		s.identity.MachineID = machine.ID
		s.log.Info("machine registered", zap.String("machine_id", machine.ID), zap.String("hostname", id.Hostname))
	}
	s.mu.Unlock()

	s.log.Debug("heartbeat sent",
		zap.String("machine_id", machine.ID),
		zap.Float64("cpu", stats.CPUPercent),
		zap.String("memory_used", humanize.Bytes(stats.MemoryUsed)),
		zap.Int("active_agents", stats.ActiveAgents))
	return machine, nil
}

// Run beats immediately and then on every tick until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	s.beatLogged(ctx, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beatLogged(ctx, interval)
		}
	}
}

func (s *Service) beatLogged(ctx context.Context, interval time.Duration) {
	beatCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	if _, err := s.Beat(beatCtx); err != nil && ctx.Err() == nil {
		s.log.Warn("heartbeat failed", zap.Error(err))
	}
}
