package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/protocol"
	"github.com/xiaot623/gogo/fleet/internal/pubsub"
	"github.com/xiaot623/gogo/fleet/internal/terminal"
)

type fakePTY struct {
	bus *pubsub.Bus[terminal.Event]

	mu      sync.Mutex
	running bool
	buffer  []byte
	written []string
	size    [2]uint16
}

func newFakePTY() *fakePTY {
	return &fakePTY{bus: pubsub.NewBus[terminal.Event](), running: true}
}

func (f *fakePTY) Write(_ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, string(data))
	return nil
}

func (f *fakePTY) Resize(_ string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.size = [2]uint16{cols, rows}
	return nil
}

func (f *fakePTY) Buffer(string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffer, true
}

func (f *fakePTY) Has(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakePTY) SubscribeOutput(id string, h pubsub.Handler[terminal.Event]) func() {
	return f.bus.Subscribe(terminal.OutputTopic(id), h)
}

func (f *fakePTY) SubscribeSessionExit(id string, h pubsub.Handler[terminal.Event]) func() {
	return f.bus.Subscribe(terminal.ExitTopic(id), h)
}

func (f *fakePTY) emit(id, data string) {
	f.bus.Publish(terminal.OutputTopic(id), terminal.Event{SessionID: id, Kind: terminal.EventOutput, Data: []byte(data)})
}

func (f *fakePTY) exit(id string, code int) {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	f.bus.Publish(terminal.ExitTopic(id), terminal.Event{SessionID: id, Kind: terminal.EventExit, ExitCode: code})
}

func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	h := New(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		h.WaitStopped(time.Second)
	})
	return h
}

func newViewer(t *testing.T, h *Hub) *Connection {
	t.Helper()
	conn := h.NewConnection(nil)
	h.Register(conn)
	require.Eventually(t, func() bool { return h.Authenticate(conn) }, time.Second, 5*time.Millisecond)
	return conn
}

func receive(t *testing.T, conn *Connection) *protocol.Envelope {
	t.Helper()
	select {
	case data := <-conn.Send:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestBroadcastWithoutViewersIsNoop(t *testing.T) {
	h := newRunningHub(t)
	pending := h.NewConnection(nil)
	h.Register(pending)

	h.SendAlert(&domain.Alert{ID: "a1", Type: domain.AlertTypeAgentStuck})

	assert.Equal(t, 0, h.ViewerCount())
	assert.Empty(t, pending.Send, "unauthenticated connections receive nothing")
}

func TestBroadcastReachesEveryViewer(t *testing.T) {
	h := newRunningHub(t)
	v1 := newViewer(t, h)
	v2 := newViewer(t, h)

	h.SendAgentUpdate(&domain.Agent{ID: "a1", Status: domain.AgentStatusWorking})

	for _, v := range []*Connection{v1, v2} {
		env := receive(t, v)
		assert.Equal(t, protocol.TypeAgentUpdate, env.Type)
		var agent domain.Agent
		require.NoError(t, env.Unmarshal(&agent))
		assert.Equal(t, "a1", agent.ID)
	}
}

func TestRegisterPTYStreamsOutputAndExit(t *testing.T) {
	h := newRunningHub(t)
	viewer := newViewer(t, h)
	pty := newFakePTY()

	h.RegisterPTY("s1", pty)
	assert.Equal(t, []string{"s1"}, h.Sessions())

	pty.emit("s1", "hello")
	env := receive(t, viewer)
	assert.Equal(t, protocol.TypePTYOutput, env.Type)
	var out protocol.PTYOutputPayload
	require.NoError(t, env.Unmarshal(&out))
	assert.Equal(t, "hello", string(out.Data))

	pty.exit("s1", 3)
	env = receive(t, viewer)
	assert.Equal(t, protocol.TypePTYExit, env.Type)
	var exit protocol.PTYExitPayload
	require.NoError(t, env.Unmarshal(&exit))
	assert.Equal(t, 3, exit.ExitCode)

	assert.Empty(t, h.Sessions())
	assert.Equal(t, 0, pty.bus.Subscribers(terminal.OutputTopic("s1")), "subscriptions are released on exit")
}

func TestOutputSplitInsideCharacterReassembles(t *testing.T) {
	h := newRunningHub(t)
	viewer := newViewer(t, h)
	pty := newFakePTY()
	h.RegisterPTY("s1", pty)

	text := []byte("日本")
	pty.emit("s1", string(text[:2]))
	pty.emit("s1", string(text[2:]))

	var got []byte
	for i := 0; i < 2; i++ {
		env := receive(t, viewer)
		require.Equal(t, protocol.TypePTYOutput, env.Type)
		var out protocol.PTYOutputPayload
		require.NoError(t, env.Unmarshal(&out))
		got = append(got, out.Data...)
	}
	assert.Equal(t, text, got)
}

func TestRegisterPTYAfterExitIsReleased(t *testing.T) {
	h := newRunningHub(t)
	pty := newFakePTY()
	pty.running = false

	h.RegisterPTY("s1", pty)

	assert.Empty(t, h.Sessions())
	assert.Equal(t, 0, pty.bus.Subscribers(terminal.ExitTopic("s1")))
}

func TestAttachReplaysAndRoutesInput(t *testing.T) {
	h := newRunningHub(t)
	viewer := newViewer(t, h)
	pty := newFakePTY()
	pty.buffer = []byte("history")
	h.RegisterPTY("s1", pty)

	assert.ErrorIs(t, h.Input(viewer, "s1", []byte("ls\n")), ErrNotAttached)

	require.NoError(t, h.Attach(viewer, "s1"))
	env := receive(t, viewer)
	var replay protocol.PTYOutputPayload
	require.NoError(t, env.Unmarshal(&replay))
	assert.True(t, replay.Replay)
	assert.Equal(t, "history", string(replay.Data))

	require.NoError(t, h.Input(viewer, "", []byte("ls\n")))
	require.NoError(t, h.Resize(viewer, "s1", 100, 40))
	assert.Equal(t, []string{"ls\n"}, pty.written)
	assert.Equal(t, [2]uint16{100, 40}, pty.size)

	assert.ErrorIs(t, h.Attach(viewer, "missing"), domain.ErrNotFound)

	h.Detach(viewer)
	assert.ErrorIs(t, h.Input(viewer, "s1", []byte("x")), ErrNotAttached)
}

func TestUnauthenticatedCannotAttach(t *testing.T) {
	h := newRunningHub(t)
	conn := h.NewConnection(nil)
	h.Register(conn)
	h.RegisterPTY("s1", newFakePTY())

	assert.ErrorIs(t, h.Attach(conn, "s1"), domain.ErrUnauthorized)
	assert.ErrorIs(t, h.Input(conn, "s1", []byte("x")), domain.ErrUnauthorized)
}

func TestSlowViewerIsDropped(t *testing.T) {
	h := newRunningHub(t)
	slow := newViewer(t, h)

	for i := 0; i < SendBuffer+1; i++ {
		h.Broadcast(protocol.TypeHookEvent, domain.HookEvent{Type: "tick"})
	}

	assert.Eventually(t, func() bool { return h.ViewerCount() == 0 }, time.Second, 5*time.Millisecond)
	drained := 0
	for range slow.Send {
		drained++
	}
	assert.Equal(t, SendBuffer, drained)
}
