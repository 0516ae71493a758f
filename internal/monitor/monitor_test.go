package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/repository"
	"github.com/xiaot623/gogo/fleet/tests/helpers"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*domain.Alert
}

func (n *recordingNotifier) SendAlert(a *domain.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

func (n *recordingNotifier) ofType(typ domain.AlertType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, a := range n.alerts {
		if a.Type == typ {
			count++
		}
	}
	return count
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(t *testing.T) (*Monitor, repository.Store, *recordingNotifier, *clock) {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	policy, err := NewPolicy(context.Background(), DefaultResourcePolicy)
	require.NoError(t, err)

	n := &recordingNotifier{}
	m := New(store, zaptest.NewLogger(t), n, policy, DefaultThresholds())
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	m.SetClock(c.now)
	return m, store, n, c
}

func reportAgent(t *testing.T, store repository.Store, at time.Time, status domain.AgentStatus, progress int) {
	t.Helper()
	_, err := store.UpdateAgentStatus(context.Background(), &domain.AgentStatusUpdate{
		AgentID:   "a1",
		MachineID: "m1",
		Name:      "builder",
		Status:    status,
		Progress:  &progress,
		At:        at,
	})
	require.NoError(t, err)
}

// keepAlive refreshes the machine heartbeat so it stays online.
func keepAlive(t *testing.T, store repository.Store, c *clock) {
	t.Helper()
	require.NoError(t, store.RecordHeartbeat(context.Background(), "m1", nil, c.t))
}

func TestStuckAgentAlertsOncePerEpisode(t *testing.T) {
	ctx := context.Background()
	m, store, n, c := newTestMonitor(t)
	th := m.Thresholds()

	helpers.SeedMachine(t, store, "m1", c.t)
	reportAgent(t, store, c.t, domain.AgentStatusWorking, 40)

	c.advance(th.StuckThreshold + time.Second)
	keepAlive(t, store, c)
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 1, n.ofType(domain.AlertTypeAgentStuck))

	c.advance(time.Minute)
	keepAlive(t, store, c)
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 1, n.ofType(domain.AlertTypeAgentStuck), "same episode must not re-alert")

	// progress moves, then stalls again
	reportAgent(t, store, c.t, domain.AgentStatusWorking, 55)
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 1, n.ofType(domain.AlertTypeAgentStuck))

	c.advance(th.StuckThreshold + time.Second)
	keepAlive(t, store, c)
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 2, n.ofType(domain.AlertTypeAgentStuck))

	persisted, err := store.ListAlerts(ctx, domain.AlertFilter{Type: domain.AlertTypeAgentStuck})
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestWaitingAgentRealertsAfterInterval(t *testing.T) {
	ctx := context.Background()
	m, store, n, c := newTestMonitor(t)
	th := m.Thresholds()

	helpers.SeedMachine(t, store, "m1", c.t)
	reportAgent(t, store, c.t, domain.AgentStatusWaiting, 10)

	c.advance(th.WaitingInterval + time.Second)
	keepAlive(t, store, c)
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 1, n.ofType(domain.AlertTypeAgentWaiting))

	c.advance(time.Second)
	keepAlive(t, store, c)
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 1, n.ofType(domain.AlertTypeAgentWaiting))

	c.advance(th.WaitingInterval)
	keepAlive(t, store, c)
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 2, n.ofType(domain.AlertTypeAgentWaiting))
}

func TestErrorAndContextOverflowAreLatched(t *testing.T) {
	ctx := context.Background()
	m, store, n, c := newTestMonitor(t)

	helpers.SeedMachine(t, store, "m1", c.t)
	used, limit := int64(95), int64(100)
	out := "panic: boom"
	_, err := store.UpdateAgentStatus(ctx, &domain.AgentStatusUpdate{
		AgentID: "a1", MachineID: "m1", Status: domain.AgentStatusError,
		ContextUsed: &used, ContextLimit: &limit, LastOutput: &out, At: c.t,
	})
	require.NoError(t, err)

	require.NoError(t, m.Tick(ctx))
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 1, n.ofType(domain.AlertTypeAgentError))
	assert.Equal(t, 1, n.ofType(domain.AlertTypeContextOverflow))

	used = 10
	_, err = store.UpdateAgentStatus(ctx, &domain.AgentStatusUpdate{AgentID: "a1", ContextUsed: &used, At: c.t})
	require.NoError(t, err)
	require.NoError(t, m.Tick(ctx))

	used = 99
	_, err = store.UpdateAgentStatus(ctx, &domain.AgentStatusUpdate{AgentID: "a1", ContextUsed: &used, At: c.t})
	require.NoError(t, err)
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 2, n.ofType(domain.AlertTypeContextOverflow))
	assert.Equal(t, 1, n.ofType(domain.AlertTypeAgentError))
}

func TestResourceAlertsEveryTick(t *testing.T) {
	ctx := context.Background()
	m, store, n, c := newTestMonitor(t)

	helpers.SeedMachine(t, store, "m1", c.t)
	caps, _ := json.Marshal(domain.MachineStats{CPUPercent: 97, MemoryPercent: 20})
	require.NoError(t, store.RecordHeartbeat(ctx, "m1", caps, c.t))

	require.NoError(t, m.Tick(ctx))
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 2, n.ofType(domain.AlertTypeResourceHigh))
	assert.Contains(t, n.alerts[0].Message, "cpu")
}

func TestPolicyIgnoresMissingGPU(t *testing.T) {
	ctx := context.Background()
	policy, err := NewPolicy(ctx, DefaultResourcePolicy)
	require.NoError(t, err)

	breaches, err := policy.Evaluate(ctx, json.RawMessage(`{"cpu_percent":10,"memory_percent":95}`), DefaultThresholds())
	require.NoError(t, err)
	require.Len(t, breaches, 1)
	assert.Equal(t, "memory", breaches[0].Resource)
	assert.Equal(t, float64(95), breaches[0].Value)

	breaches, err = policy.Evaluate(ctx, json.RawMessage(`{"cpu_percent":10,"memory_percent":10,"gpu_percent":99}`), DefaultThresholds())
	require.NoError(t, err)
	require.Len(t, breaches, 1)
	assert.Equal(t, "gpu", breaches[0].Resource)

	breaches, err = policy.Evaluate(ctx, nil, DefaultThresholds())
	require.NoError(t, err)
	assert.Empty(t, breaches)
}

func TestMachineOfflineAlertsOnce(t *testing.T) {
	ctx := context.Background()
	m, store, n, c := newTestMonitor(t)

	helpers.SeedMachine(t, store, "m1", c.t)
	reportAgent(t, store, c.t, domain.AgentStatusWorking, 10)

	c.advance(m.Thresholds().OfflineTimeout + time.Second)
	require.NoError(t, m.Tick(ctx))
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 1, n.ofType(domain.AlertTypeMachineOffline))

	got, err := store.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MachineStatusOffline, got.Status)

	// agents of offline machines are not scanned
	c.advance(m.Thresholds().StuckThreshold)
	require.NoError(t, m.Tick(ctx))
	assert.Zero(t, n.ofType(domain.AlertTypeAgentStuck))
}

func TestPurgeStale(t *testing.T) {
	ctx := context.Background()
	m, store, _, c := newTestMonitor(t)

	helpers.SeedMachine(t, store, "old", c.t.Add(-10*24*time.Hour))
	helpers.SeedMachine(t, store, "fresh", c.t)
	_, err := store.TransitionMachineStatus(ctx, "old", domain.MachineStatusOnline, domain.MachineStatusOffline)
	require.NoError(t, err)

	n, err := m.PurgeStale(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := store.GetMachine(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, gone)

	_, err = m.PurgeStale(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRaiseWithoutNotifier(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	m := New(store, zaptest.NewLogger(t), nil, nil, DefaultThresholds())

	alert := &domain.Alert{Type: domain.AlertTypeTaskFailed, Message: "exit 1"}
	require.NoError(t, m.Raise(ctx, alert))
	assert.NotEmpty(t, alert.ID)

	got, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Acknowledged)
}

// blockingAgentsStore parks ListAgents until released.
type blockingAgentsStore struct {
	repository.Store
	entered chan struct{}
	release chan struct{}
}

func (s *blockingAgentsStore) ListAgents(ctx context.Context, machineID string) ([]domain.Agent, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.Store.ListAgents(ctx, machineID)
}

func TestSetThresholdsDuringTick(t *testing.T) {
	store := &blockingAgentsStore{
		Store:   helpers.NewTestSQLiteStore(t),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m := New(store, zaptest.NewLogger(t), nil, nil, DefaultThresholds())
	now := time.Now()
	m.SetClock(func() time.Time { return now })
	helpers.SeedMachine(t, store, "m1", now)

	tickDone := make(chan error, 1)
	go func() { tickDone <- m.Tick(context.Background()) }()
	<-store.entered

	updated := make(chan struct{})
	go func() {
		th := DefaultThresholds()
		th.StuckThreshold = time.Minute
		m.SetThresholds(th)
		close(updated)
	}()

	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("SetThresholds waited for the tick to finish")
	}
	assert.Equal(t, time.Minute, m.Thresholds().StuckThreshold)

	close(store.release)
	require.NoError(t, <-tickDone)
}
