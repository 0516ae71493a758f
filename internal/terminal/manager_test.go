package terminal

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(zaptest.NewLogger(t), DefaultConfig())
}

func requireCommand(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func waitExit(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for session exit")
		return Event{}
	}
}

func TestEchoSessionBufferSurvivesExit(t *testing.T) {
	echo := requireCommand(t, "echo")
	m := newTestManager(t)

	exited := make(chan Event, 1)
	unsub := m.SubscribeSessionExit("s1", func(ev Event) { exited <- ev })
	defer unsub()

	pid, err := m.Create("s1", Options{Command: echo, Args: []string{"hello"}})
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	ev := waitExit(t, exited)
	assert.Equal(t, 0, ev.ExitCode)
	assert.False(t, m.Has("s1"))
	assert.NotContains(t, m.List(), "s1")

	buf, ok := m.Buffer("s1")
	require.True(t, ok)
	assert.Contains(t, strings.ReplaceAll(string(buf), "\r\n", "\n"), "hello\n")
}

func TestCreateDuplicateSession(t *testing.T) {
	cat := requireCommand(t, "cat")
	m := newTestManager(t)

	_, err := m.Create("dup", Options{Command: cat})
	require.NoError(t, err)
	defer m.Kill("dup", nil)

	_, err = m.Create("dup", Options{Command: cat})
	assert.True(t, errors.Is(err, domain.ErrDuplicateSession))
}

func TestCreateUnknownCommand(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create("missing", Options{Command: "/definitely/not/a/command"})
	require.Error(t, err)

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "command_not_found", spawnErr.Reason)
	assert.False(t, m.Has("missing"))
}

func TestWriteEchoesThroughPTY(t *testing.T) {
	cat := requireCommand(t, "cat")
	m := newTestManager(t)

	got := make(chan struct{}, 1)
	unsub := m.SubscribeOutput("cat", func(ev Event) {
		if buf, _ := m.Buffer("cat"); strings.Contains(string(buf), "ping") {
			select {
			case got <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	_, err := m.Create("cat", Options{Command: cat})
	require.NoError(t, err)
	defer m.Kill("cat", nil)

	require.NoError(t, m.Resize("cat", 80, 24))
	require.NoError(t, m.Write("cat", []byte("ping\n")))

	select {
	case <-got:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for echoed input")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	cat := requireCommand(t, "cat")
	m := newTestManager(t)

	exited := make(chan Event, 1)
	defer m.SubscribeSessionExit("k", func(ev Event) { exited <- ev })()

	_, err := m.Create("k", Options{Command: cat})
	require.NoError(t, err)

	require.NoError(t, m.Kill("k", nil))
	waitExit(t, exited)

	first := m.Kill("k", nil)
	second := m.Kill("k", nil)
	assert.NoError(t, first)
	assert.NoError(t, second)
	assert.False(t, m.Has("k"))
}

func TestWriteAndResizeAfterExitAreNoops(t *testing.T) {
	m := newTestManager(t)

	assert.NoError(t, m.Write("gone", []byte("x")))
	assert.NoError(t, m.Resize("gone", 80, 24))
	assert.NoError(t, m.Wait(context.Background(), "gone"))
}

func TestShutdownStopsSessions(t *testing.T) {
	cat := requireCommand(t, "cat")
	m := newTestManager(t)

	for _, id := range []string{"a", "b"} {
		_, err := m.Create(id, Options{Command: cat})
		require.NoError(t, err)
	}
	require.Equal(t, 2, m.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 0, m.Count())
}
