package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaot623/gogo/fleet/internal/repository"
	"github.com/xiaot623/gogo/fleet/internal/terminal"
	"github.com/xiaot623/gogo/fleet/tests/helpers"
)

// gatedStore holds every output write until the gate is opened.
type gatedStore struct {
	repository.Store
	gate chan struct{}
}

func (s *gatedStore) AppendSessionOutput(ctx context.Context, sessionID string, data []byte, keep int) error {
	<-s.gate
	return s.Store.AppendSessionOutput(ctx, sessionID, data, keep)
}

func TestOutputWriterDoesNotBlockPublisher(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{Store: helpers.NewTestSQLiteStore(t), gate: make(chan struct{})}
	w := newOutputWriter(store, zaptest.NewLogger(t), "s1", 10)

	published := make(chan struct{})
	go func() {
		for _, chunk := range []string{"one ", "two ", "three"} {
			w.enqueue(terminal.Event{SessionID: "s1", Data: []byte(chunk)})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("enqueue waited on the store")
	}

	w.close()
	w.enqueue(terminal.Event{SessionID: "s1", Data: []byte("late")})
	close(store.gate)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, w.wait(waitCtx))

	chunks, err := store.ListSessionOutput(ctx, "s1")
	require.NoError(t, err)
	var got string
	for _, c := range chunks {
		got += string(c)
	}
	assert.Equal(t, "one two three", got, "chunks are persisted in order and none after close")
}

func TestOutputWriterWaitHonoursContext(t *testing.T) {
	store := &gatedStore{Store: helpers.NewTestSQLiteStore(t), gate: make(chan struct{})}
	w := newOutputWriter(store, zaptest.NewLogger(t), "s1", 10)
	w.enqueue(terminal.Event{SessionID: "s1", Data: []byte("x")})
	w.close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.wait(ctx), context.DeadlineExceeded)

	close(store.gate)
	require.NoError(t, w.wait(context.Background()))
}
