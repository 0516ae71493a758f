package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/repository"
	"github.com/xiaot623/gogo/fleet/internal/terminal"
)

// outputQueueSize bounds the chunks waiting to be persisted for one session.
const outputQueueSize = 256

// outputWriter persists one session's output chunks in arrival order on its
// own goroutine, so the terminal read loop never waits on the store.
type outputWriter struct {
	store     repository.Store
	log       *zap.Logger
	sessionID string
	keep      int

	mu     sync.Mutex
	closed bool
	queue  chan []byte
	done   chan struct{}
}

func newOutputWriter(store repository.Store, log *zap.Logger, sessionID string, keep int) *outputWriter {
	w := &outputWriter{
		store:     store,
		log:       log,
		sessionID: sessionID,
		keep:      keep,
		queue:     make(chan []byte, outputQueueSize),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue is the terminal output handler. A chunk arriving while the queue
// is full is left out of the replay log; the live ring still holds it.
func (w *outputWriter) enqueue(ev terminal.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- ev.Data:
	default:
		w.log.Warn("output queue full, chunk not persisted",
			zap.String("session_id", w.sessionID), zap.Int("bytes", len(ev.Data)))
	}
}

func (w *outputWriter) run() {
	defer close(w.done)
	for chunk := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.store.AppendSessionOutput(ctx, w.sessionID, chunk, w.keep); err != nil {
			w.log.Warn("persist output failed", zap.String("session_id", w.sessionID), zap.Error(err))
		}
		cancel()
	}
}

// close stops accepting chunks. Queued chunks are still written.
func (w *outputWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
}

// wait blocks until every queued chunk is written or ctx is done.
func (w *outputWriter) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
