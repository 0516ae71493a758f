// Package service is the façade the transports call into. It ties the
// terminal manager, hub, checkpoint manager and alert monitor to the store.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/checkpoint"
	"github.com/xiaot623/gogo/fleet/internal/hub"
	"github.com/xiaot623/gogo/fleet/internal/monitor"
	"github.com/xiaot623/gogo/fleet/internal/repository"
	"github.com/xiaot623/gogo/fleet/internal/terminal"
)

// Options tunes the service.
type Options struct {
	Terminal       terminal.Config
	OfflineTimeout time.Duration
}

type Service struct {
	store       repository.Store
	terminals   *terminal.Manager
	hub         *hub.Hub
	checkpoints *checkpoint.Manager
	monitor     *monitor.Monitor
	opts        Options
	log         *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	watches map[string]*watch
}

// watch holds the subscriptions a live session keeps on the terminal bus.
type watch struct {
	output      *outputWriter
	unsubOutput func()
	unsubExit   func()
	killed      bool
}

func (w *watch) release() {
	if w.unsubOutput != nil {
		w.unsubOutput()
	}
	if w.unsubExit != nil {
		w.unsubExit()
	}
	if w.output != nil {
		w.output.close()
	}
}

func New(store repository.Store, terminals *terminal.Manager, h *hub.Hub, checkpoints *checkpoint.Manager, mon *monitor.Monitor, opts Options, log *zap.Logger) *Service {
	if opts.OfflineTimeout <= 0 {
		opts.OfflineTimeout = monitor.DefaultThresholds().OfflineTimeout
	}
	if opts.Terminal.MaxChunks <= 0 {
		opts.Terminal = terminal.DefaultConfig()
	}
	return &Service{
		store:       store,
		terminals:   terminals,
		hub:         h,
		checkpoints: checkpoints,
		monitor:     mon,
		opts:        opts,
		log:         log.Named("service"),
		now:         time.Now,
		watches:     make(map[string]*watch),
	}
}

// Health is a point-in-time view of live registries.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Viewers  int    `json:"viewers"`
	Sessions int    `json:"sessions"`
}

const Version = "0.1.0"

func (s *Service) Health() Health {
	return Health{
		Status:   "healthy",
		Version:  Version,
		Viewers:  s.hub.ViewerCount(),
		Sessions: s.terminals.Count(),
	}
}

// Shutdown hangs up every live session.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.terminals.Shutdown(ctx)
}
