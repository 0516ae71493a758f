package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaot623/gogo/fleet/internal/checkpoint"
	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/hub"
	"github.com/xiaot623/gogo/fleet/internal/monitor"
	"github.com/xiaot623/gogo/fleet/internal/relay"
	"github.com/xiaot623/gogo/fleet/internal/repository"
	"github.com/xiaot623/gogo/fleet/internal/service"
	"github.com/xiaot623/gogo/fleet/internal/terminal"
	"github.com/xiaot623/gogo/fleet/tests/helpers"
)

func newTestHandler(t *testing.T) (*echo.Echo, repository.Store) {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := helpers.NewTestSQLiteStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	h := hub.New(log)
	go h.Run(ctx)

	terminals := terminal.NewManager(log, terminal.DefaultConfig())
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = terminals.Shutdown(shutdownCtx)
		cancel()
	})

	checkpoints := checkpoint.NewManager(store, log, h)
	mon := monitor.New(store, log, h, nil, monitor.DefaultThresholds())
	svc := service.New(store, terminals, h, checkpoints, mon, service.Options{}, log)
	r := relay.New(store, log, relay.Options{})

	e := echo.New()
	NewHandler(svc, r, checkpoints).RegisterRoutes(e)
	return e, store
}

func do(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateSessionValidation(t *testing.T) {
	e, _ := newTestHandler(t)

	rec := do(t, e, http.MethodPost, "/sessions", `{"command":"echo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodPost, "/sessions", `{"machine_id":"m1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	e, _ := newTestHandler(t)

	rec := do(t, e, http.MethodPost, "/sessions", `{"id":"s1","machine_id":"m1","command":"cat"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	session := decode[domain.Session](t, rec)
	assert.Positive(t, session.PID)

	rec = do(t, e, http.MethodPost, "/sessions", `{"id":"s1","machine_id":"m1","command":"cat"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, e, http.MethodPost, "/sessions/s1/input", `{"data":"hello\n"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := do(t, e, http.MethodGet, "/sessions/s1/buffer", "")
		if rec.Code != http.StatusOK {
			return false
		}
		buf := decode[struct {
			Data []byte `json:"data"`
		}](t, rec)
		return bytes.Contains(buf.Data, []byte("hello"))
	}, 5*time.Second, 20*time.Millisecond)

	rec = do(t, e, http.MethodPost, "/sessions/s1/resize", `{"cols":100,"rows":40}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, e, http.MethodDelete, "/sessions/s1?signal=SIGKILL", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SessionStatusClosed, decode[domain.Session](t, rec).Status)

	rec = do(t, e, http.MethodDelete, "/sessions/s1", "")
	assert.Equal(t, http.StatusOK, rec.Code, "killing a closed session is not an error")

	rec = do(t, e, http.MethodDelete, "/sessions/s1?signal=SIGNOPE", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodGet, "/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpointEndpoints(t *testing.T) {
	ctx := context.Background()
	e, store := newTestHandler(t)

	_, err := store.SaveCheckpoint(ctx, &domain.Checkpoint{
		SessionID: "s1",
		Status:    domain.CheckpointStatusInterrupted,
		State:     domain.CheckpointState{Task: "port the parser", Progress: 60, CapturedAt: time.Now()},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	rec := do(t, e, http.MethodGet, "/checkpoints/interrupted", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]domain.Checkpoint](t, rec)
	require.Len(t, list["checkpoints"], 1)

	rec = do(t, e, http.MethodGet, "/checkpoints/s1/handoff", "")
	require.Equal(t, http.StatusOK, rec.Code)
	handoff := decode[map[string]any](t, rec)
	assert.Contains(t, handoff["prompt"], "port the parser")

	rec = do(t, e, http.MethodPost, "/checkpoints/s1/resume", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodPost, "/checkpoints/s1/resume", `{"newSessionId":"s2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s2", decode[domain.Checkpoint](t, rec).ResumedBy)

	rec = do(t, e, http.MethodPost, "/checkpoints/s1/resume", `{"newSessionId":"s3"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, e, http.MethodGet, "/checkpoints/nope/handoff", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, e, http.MethodDelete, "/checkpoints/cleanup?maxAgeDays=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodDelete, "/checkpoints/cleanup?maxAgeDays=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":0}`, rec.Body.String())
}

func TestRelayEndpoints(t *testing.T) {
	e, _ := newTestHandler(t)

	for _, id := range []string{"m1", "m2"} {
		rec := do(t, e, http.MethodPost, "/relay/register", `{"id":"`+id+`","hostname":"`+id+`.local"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := do(t, e, http.MethodPost, "/relay/send", `{"to":"*","content":"ping"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, e, http.MethodGet, "/relay/poll/m1?since=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[relay.PollResult](t, rec)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "ping", page.Messages[0].Content)

	rec = do(t, e, http.MethodGet, "/relay/poll/m1?since="+jsonInt(page.Cursor), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[relay.PollResult](t, rec).Messages)

	rec = do(t, e, http.MethodPost, "/relay/read", `{"machine_id":"m1","ids":["`+page.Messages[0].ID+`"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":1}`, rec.Body.String())

	rec = do(t, e, http.MethodGet, "/relay/poll/m1?since=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodPost, "/relay/send", `{"to":"m1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodGet, "/relay/machines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]domain.Machine](t, rec)["machines"], 2)
}

func TestAgentAndAlertEndpoints(t *testing.T) {
	e, store := newTestHandler(t)
	helpers.SeedMachine(t, store, "m1", time.Now())

	rec := do(t, e, http.MethodPost, "/agents/a1/status", `{"machine_id":"m1","status":"working","progress":20}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	agent := decode[domain.Agent](t, rec)
	assert.Equal(t, "a1", agent.ID)
	assert.Equal(t, 20, agent.Progress)

	rec = do(t, e, http.MethodPost, "/agents/a1/status", `{"progress":120}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodGet, "/agents?machine_id=m1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]domain.Agent](t, rec)["agents"], 1)

	require.NoError(t, store.CreateAlert(context.Background(), &domain.Alert{
		ID: "al1", AgentID: "a1", Type: domain.AlertTypeAgentStuck, Message: "stuck", CreatedAt: time.Now(),
	}))
	rec = do(t, e, http.MethodGet, "/alerts?unacknowledged=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]domain.Alert](t, rec)["alerts"], 1)

	rec = do(t, e, http.MethodPost, "/alerts/al1/ack", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, e, http.MethodGet, "/alerts?unacknowledged=true", "")
	assert.Empty(t, decode[map[string][]domain.Alert](t, rec)["alerts"])

	rec = do(t, e, http.MethodPost, "/alerts/missing/ack", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, e, http.MethodPost, "/events", `{"type":"tool_use","payload":{"tool":"bash"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, e, http.MethodPost, "/events", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMachineEndpoints(t *testing.T) {
	e, _ := newTestHandler(t)

	rec := do(t, e, http.MethodPost, "/machines/heartbeat", `{"hostname":"box.local","stats":{"cpu_percent":12}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	machine := decode[domain.Machine](t, rec)
	assert.Equal(t, domain.MachineStatusOnline, machine.Status)

	rec = do(t, e, http.MethodGet, "/machines/"+machine.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, e, http.MethodGet, "/machines/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, e, http.MethodDelete, "/machines/stale?days=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":0}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	e, _ := newTestHandler(t)

	rec := do(t, e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[service.Health](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Zero(t, health.Viewers)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
