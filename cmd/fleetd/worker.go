package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/config"
	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/heartbeat"
	"github.com/xiaot623/gogo/fleet/internal/logging"
	"github.com/xiaot623/gogo/fleet/internal/relay"
	transport "github.com/xiaot623/gogo/fleet/internal/transport/http"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Report this machine to a hub and receive relayed messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(cmd, map[string]string{
				"worker.hub_url":    "hub",
				"worker.machine_id": "machine-id",
				"worker.name":       "name",
				"worker.address":    "address",
				"worker.listen":     "listen",
				"relay.nats_url":    "nats-url",
			})
			if err != nil {
				return err
			}
			return runWorker(cfg)
		},
	}
	cmd.Flags().String("hub", "", "hub base URL")
	cmd.Flags().String("machine-id", "", "machine id (assigned by the hub when empty)")
	cmd.Flags().String("name", "", "display name (defaults to the hostname)")
	cmd.Flags().String("address", "", "URL the hub pushes messages to")
	cmd.Flags().String("listen", "", "listen address for HTTP pushes, e.g. :9090")
	cmd.Flags().String("nats-url", "", "NATS server for relay push")
	return cmd
}

func runWorker(cfg *config.Config) error {
	log, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := relay.NewClient(cfg.Worker.HubURL, cfg.Server.APIKey)
	hostname, _ := os.Hostname()

	channels := []domain.Channel{domain.ChannelPoll}
	if cfg.Worker.Listen != "" && cfg.Worker.Address != "" {
		channels = append(channels, domain.ChannelHTTP)
	}
	if cfg.Relay.NATSURL != "" {
		channels = append(channels, domain.ChannelNATS)
	}

	registerCtx, registerCancel := context.WithTimeout(ctx, 10*time.Second)
	machine, err := client.Register(registerCtx, &domain.MachineDescriptor{
		ID:       cfg.Worker.MachineID,
		Name:     cfg.Worker.Name,
		Hostname: hostname,
		Address:  cfg.Worker.Address,
		Channels: channels,
	})
	registerCancel()
	if err != nil {
		return fmt.Errorf("register with hub %s: %w", cfg.Worker.HubURL, err)
	}
	log = log.With(zap.String("machine_id", machine.ID))
	log.Info("registered with hub", zap.String("hub", cfg.Worker.HubURL), zap.Any("channels", channels))

	beats := heartbeat.NewService(client, nil, nil, heartbeat.Identity{
		MachineID: machine.ID,
		Name:      machine.Name,
		Hostname:  hostname,
		Address:   cfg.Worker.Address,
		Channels:  channels,
	}, log)
	go beats.Run(ctx, cfg.Heartbeat.Interval)

	receiver := relay.NewReceiver(machine.ID, client, func(msg domain.MachineMessage) {
		log.Info("message received",
			zap.String("id", msg.ID),
			zap.String("from", msg.FromID),
			zap.String("type", string(msg.Type)),
			zap.String("channel", string(msg.Channel)),
			zap.String("content", msg.Content))
	}, log, 0)
	if cfg.Worker.StateDir != "" {
		cursors := relay.NewFileCursor(afero.NewOsFs(), relay.CursorPath(cfg.Worker.StateDir, machine.ID))
		if err := receiver.UseCursorStore(cursors); err != nil {
			return err
		}
		log.Info("resuming relay poll", zap.Int64("cursor", receiver.Cursor()))
	}
	go receiver.RunPoll(ctx, cfg.Worker.PollInterval)

	if cfg.Relay.NATSURL != "" {
		nc, err := relay.ConnectNATS(cfg.Relay.NATSURL, "fleet-worker-"+machine.ID, log)
		if err != nil {
			return err
		}
		defer nc.Drain()
		if _, err := receiver.SubscribeNATS(nc); err != nil {
			return fmt.Errorf("subscribe relay subject: %w", err)
		}
	}

	var incoming *echo.Echo
	if cfg.Worker.Listen != "" {
		incoming = transport.NewIncomingServer(cfg.Server.APIKey, receiver.Dispatch)
		go func() {
			if err := incoming.Start(cfg.Worker.Listen); err != nil && err != http.ErrServerClosed {
				log.Fatal("incoming server failed", zap.Error(err))
			}
		}()
		log.Info("accepting pushes", zap.String("listen", cfg.Worker.Listen))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker")
	cancel()

	if incoming != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := incoming.Shutdown(shutdownCtx); err != nil {
			log.Warn("incoming server shutdown failed", zap.Error(err))
		}
	}
	return nil
}
