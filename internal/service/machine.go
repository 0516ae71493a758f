package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/metrics"
)

// Heartbeat records a liveness report. A heartbeat from an unknown
// hostname registers the machine.
func (s *Service) Heartbeat(ctx context.Context, hb *domain.Heartbeat) (*domain.Machine, error) {
	if hb.MachineID == "" && hb.Hostname == "" {
		return nil, fmt.Errorf("%w: machine_id or hostname is required", domain.ErrInvalidArgument)
	}
	for _, ch := range hb.Channels {
		if !ch.Valid() {
			return nil, fmt.Errorf("%w: unknown channel %q", domain.ErrInvalidArgument, ch)
		}
	}

	var (
		machine *domain.Machine
		err     error
	)
	if hb.MachineID != "" {
		machine, err = s.store.GetMachine(ctx, hb.MachineID)
	} else {
		machine, err = s.store.GetMachineByHostname(ctx, hb.Hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}

	caps, err := json.Marshal(hb.Stats)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if machine == nil {
		machine = &domain.Machine{
			ID:        hb.MachineID,
			Name:      hb.Name,
			Hostname:  hb.Hostname,
			Address:   hb.Address,
			Channels:  hb.Channels,
			CreatedAt: now,
		}
		if machine.ID == "" {
			machine.ID = uuid.New().String()
		}
		if machine.Hostname == "" {
			machine.Hostname = machine.ID
		}
		if machine.Name == "" {
			machine.Name = machine.Hostname
		}
		if len(machine.Channels) == 0 {
			machine.Channels = []domain.Channel{domain.ChannelPoll}
		}
		machine.Status = domain.MachineStatusOnline
		machine.LastSeen = now
		machine.Capabilities = caps
		if err := s.store.UpsertMachine(ctx, machine); err != nil {
			return nil, fmt.Errorf("failed to register machine: %w", err)
		}
		s.log.Info("machine self-registered", zap.String("machine_id", machine.ID), zap.String("hostname", machine.Hostname))
	} else {
		if identityChanged(machine, hb) {
			if hb.Name != "" {
				machine.Name = hb.Name
			}
			if hb.Address != "" {
				machine.Address = hb.Address
			}
			if len(hb.Channels) > 0 {
				machine.Channels = hb.Channels
			}
			if err := s.store.UpsertMachine(ctx, machine); err != nil {
				return nil, fmt.Errorf("failed to update machine: %w", err)
			}
		}
		if err := s.store.RecordHeartbeat(ctx, machine.ID, caps, now); err != nil {
			return nil, fmt.Errorf("failed to record heartbeat: %w", err)
		}
	}

	metrics.HeartbeatsReceived.Inc()
	return s.GetMachine(ctx, machine.ID)
}

func identityChanged(m *domain.Machine, hb *domain.Heartbeat) bool {
	if hb.Name != "" && hb.Name != m.Name {
		return true
	}
	if hb.Address != "" && hb.Address != m.Address {
		return true
	}
	if len(hb.Channels) > 0 && !sameChannels(hb.Channels, m.Channels) {
		return true
	}
	return false
}

func sameChannels(a, b []domain.Channel) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GetMachine returns a machine with its effective status.
func (s *Service) GetMachine(ctx context.Context, machineID string) (*domain.Machine, error) {
	machine, err := s.store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}
	if machine == nil {
		return nil, fmt.Errorf("%w: machine %s", domain.ErrNotFound, machineID)
	}
	machine.Status = machine.EffectiveStatus(s.now(), s.opts.OfflineTimeout)
	return machine, nil
}

// ListMachines reports effective status, so a silent machine reads offline
// before the monitor has flipped its row.
func (s *Service) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	now := s.now()
	for i := range machines {
		machines[i].Status = machines[i].EffectiveStatus(now, s.opts.OfflineTimeout)
	}
	return machines, nil
}

func (s *Service) PurgeStaleMachines(ctx context.Context, days int) (int64, error) {
	return s.monitor.PurgeStale(ctx, days)
}
