package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/checkpoint"
	"github.com/xiaot623/gogo/fleet/internal/config"
	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/heartbeat"
	"github.com/xiaot623/gogo/fleet/internal/hub"
	"github.com/xiaot623/gogo/fleet/internal/logging"
	"github.com/xiaot623/gogo/fleet/internal/monitor"
	"github.com/xiaot623/gogo/fleet/internal/relay"
	"github.com/xiaot623/gogo/fleet/internal/repository"
	"github.com/xiaot623/gogo/fleet/internal/service"
	"github.com/xiaot623/gogo/fleet/internal/terminal"
	transport "github.com/xiaot623/gogo/fleet/internal/transport/http"
	v1 "github.com/xiaot623/gogo/fleet/internal/transport/http/v1"
	"github.com/xiaot623/gogo/fleet/internal/transport/ws"
)

func newHubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the hub: sessions, viewers, monitor and relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := loadConfig(cmd, map[string]string{
				"server.port":    "port",
				"database.path":  "db",
				"relay.nats_url": "nats-url",
			})
			if err != nil {
				return err
			}
			return runHub(loader, cfg)
		},
	}
	cmd.Flags().Int("port", 0, "HTTP port")
	cmd.Flags().String("db", "", "sqlite database path")
	cmd.Flags().String("nats-url", "", "NATS server for relay push")
	return cmd
}

func runHub(loader *config.Loader, cfg *config.Config) error {
	log, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting hub",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Path),
		zap.Bool("auth", cfg.Server.APIKey != ""))

	store, err := repository.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.New(log)
	go h.Run(ctx)

	policy, err := monitor.NewPolicy(ctx, monitor.DefaultResourcePolicy)
	if err != nil {
		return fmt.Errorf("compile resource policy: %w", err)
	}
	mon := monitor.New(store, log, h, policy, thresholds(cfg.Monitor))
	checkpoints := checkpoint.NewManager(store, log, h)
	terminals := terminal.NewManager(log, terminalConfig(cfg.Terminal))

	links := relay.NewLinks()
	pushers := []relay.Pusher{links, relay.NewHTTPPusher(cfg.Relay.PushTimeout, cfg.Server.APIKey)}
	if cfg.Relay.NATSURL != "" {
		nc, err := relay.ConnectNATS(cfg.Relay.NATSURL, "fleet-hub", log)
		if err != nil {
			return err
		}
		natsPusher := relay.NewNATSPusher(nc)
		defer natsPusher.Close()
		pushers = append(pushers, natsPusher)
	}
	rl := relay.New(store, log, relay.Options{
		Self:           relay.HubMachineID,
		PushTimeout:    cfg.Relay.PushTimeout,
		OfflineTimeout: cfg.Monitor.OfflineTimeout,
	}, pushers...)

	svc := service.New(store, terminals, h, checkpoints, mon, service.Options{
		Terminal:       terminalConfig(cfg.Terminal),
		OfflineTimeout: cfg.Monitor.OfflineTimeout,
	}, log)

	if n, err := svc.RecoverInterrupted(ctx); err != nil {
		log.Warn("recover interrupted sessions failed", zap.Error(err))
	} else if n > 0 {
		log.Info("recovered interrupted sessions", zap.Int("count", n))
	}

	beats := heartbeat.NewService(svc, nil, store, heartbeat.Identity{
		Channels: []domain.Channel{domain.ChannelPoll},
	}, log)
	go beats.Run(ctx, cfg.Heartbeat.Interval)
	go mon.Run(ctx, cfg.Monitor.Interval)
	go mon.RunStaleSweep(ctx, cfg.Monitor.StaleSweepInterval, cfg.Monitor.StaleMachineDays)
	go checkpoints.RunCleanup(ctx, cfg.Checkpoint.CleanupInterval, cfg.Checkpoint.MaxAge)

	loader.Watch(func(mc config.MonitorConfig) {
		mon.SetThresholds(thresholds(mc))
		log.Info("monitor thresholds reloaded")
	})

	sockets := ws.NewServer(cfg.Server, h, rl, links, log)
	e := transport.NewServer(cfg.Server.APIKey, v1.NewHandler(svc, rl, checkpoints), sockets)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()
	log.Info("hub started", zap.Int("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down hub")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("session shutdown incomplete", zap.Error(err))
	}
	cancel()
	if !h.WaitStopped(2 * time.Second) {
		log.Warn("hub loop did not stop in time")
	}

	log.Info("hub stopped")
	return nil
}

func thresholds(mc config.MonitorConfig) monitor.Thresholds {
	th := monitor.DefaultThresholds()
	if mc.StuckThreshold > 0 {
		th.StuckThreshold = mc.StuckThreshold
	}
	if mc.WaitingInterval > 0 {
		th.WaitingInterval = mc.WaitingInterval
	}
	if mc.OfflineTimeout > 0 {
		th.OfflineTimeout = mc.OfflineTimeout
	}
	th.CPU = mc.CPUThreshold
	th.Memory = mc.MemoryThreshold
	th.GPU = mc.GPUThreshold
	if mc.ContextRatio > 0 {
		th.ContextRatio = mc.ContextRatio
	}
	return th
}

func terminalConfig(tc config.TerminalConfig) terminal.Config {
	out := terminal.DefaultConfig()
	if tc.MaxChunks > 0 {
		out.MaxChunks = tc.MaxChunks
	}
	if tc.MaxBytes > 0 {
		out.MaxBytes = tc.MaxBytes
	}
	if tc.RetainExited > 0 {
		out.RetainExited = tc.RetainExited
	}
	if tc.DrainTimeout > 0 {
		out.DrainTimeout = tc.DrainTimeout
	}
	return out
}
