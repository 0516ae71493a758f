package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// Handler consumes a relayed message on a worker.
type Handler func(msg domain.MachineMessage)

// Poller is the part of the hub client the receiver polls with.
type Poller interface {
	Poll(ctx context.Context, machineID string, since int64) (*PollResult, error)
	MarkRead(ctx context.Context, machineID string, ids []string) error
}

// Receiver merges every delivery path on a worker (poll, NATS, HTTP push)
// into one handler, dropping message ids it has already dispatched.
type Receiver struct {
	machineID string
	poller    Poller
	handler   Handler
	log       *zap.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string
	limit   int
	cursor  int64
	cursors CursorStore
}

// NewReceiver creates a receiver remembering up to limit message ids.
func NewReceiver(machineID string, poller Poller, handler Handler, log *zap.Logger, limit int) *Receiver {
	if limit <= 0 {
		limit = 4096
	}
	return &Receiver{
		machineID: machineID,
		poller:    poller,
		handler:   handler,
		log:       log.Named("receiver"),
		seen:      make(map[string]struct{}),
		limit:     limit,
	}
}

// UseCursorStore resumes polling from the cursor saved in cs and saves every
// advance to it, so a restarted worker does not replay its history.
func (r *Receiver) UseCursorStore(cs CursorStore) error {
	cursor, err := cs.Load()
	if err != nil {
		return fmt.Errorf("load relay cursor: %w", err)
	}
	r.mu.Lock()
	r.cursors = cs
	if cursor > r.cursor {
		r.cursor = cursor
	}
	r.mu.Unlock()
	return nil
}

// Dispatch hands msg to the handler unless its id was already dispatched.
// It reports whether the handler ran.
func (r *Receiver) Dispatch(msg domain.MachineMessage) bool {
	r.mu.Lock()
	if _, dup := r.seen[msg.ID]; dup {
		r.mu.Unlock()
		return false
	}
	r.seen[msg.ID] = struct{}{}
	r.order = append(r.order, msg.ID)
	if len(r.order) > r.limit {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	r.mu.Unlock()

	r.handler(msg)
	return true
}

// Cursor returns the last poll cursor.
func (r *Receiver) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// PollOnce fetches messages after the cursor, dispatches them and marks
// them read on the hub.
func (r *Receiver) PollOnce(ctx context.Context) error {
	res, err := r.poller.Poll(ctx, r.machineID, r.Cursor())
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(res.Messages))
	for _, msg := range res.Messages {
		r.Dispatch(msg)
		ids = append(ids, msg.ID)
	}

	r.mu.Lock()
	advanced := res.Cursor > r.cursor
	if advanced {
		r.cursor = res.Cursor
	}
	cursors := r.cursors
	r.mu.Unlock()

	if advanced && cursors != nil {
		if err := cursors.Save(res.Cursor); err != nil {
			r.log.Warn("save relay cursor failed", zap.Error(err))
		}
	}

	if len(ids) > 0 {
		if err := r.poller.MarkRead(ctx, r.machineID, ids); err != nil {
			r.log.Warn("mark read failed", zap.Error(err))
		}
	}
	return nil
}

// RunPoll polls on every tick until ctx is done.
func (r *Receiver) RunPoll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SubscribeNATS dispatches messages published on this machine's subject.
func (r *Receiver) SubscribeNATS(nc *nats.Conn) (*nats.Subscription, error) {
	return nc.Subscribe(Subject(r.machineID), func(m *nats.Msg) {
		var msg domain.MachineMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			r.log.Warn("invalid nats relay message", zap.Error(err))
			return
		}
		r.Dispatch(msg)
	})
}
