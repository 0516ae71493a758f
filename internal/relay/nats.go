package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// Subject is the NATS subject a machine receives relayed messages on.
func Subject(machineID string) string {
	return "fleet.relay." + machineID
}

// ConnectNATS dials a NATS server with unlimited reconnects.
func ConnectNATS(url, name string, log *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NATSPusher publishes messages on the recipient's subject.
type NATSPusher struct {
	nc *nats.Conn
}

// NewNATSPusher wraps an established connection.
func NewNATSPusher(nc *nats.Conn) *NATSPusher {
	return &NATSPusher{nc: nc}
}

func (p *NATSPusher) Channel() domain.Channel { return domain.ChannelNATS }

func (p *NATSPusher) Push(_ context.Context, machine *domain.Machine, msg *domain.MachineMessage) error {
	if p.nc == nil || !p.nc.IsConnected() {
		return ErrNoRoute
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.nc.Publish(Subject(machine.ID), data)
}

// Close drains the connection.
func (p *NATSPusher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
