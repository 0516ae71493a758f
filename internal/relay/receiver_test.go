package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

type fakePoller struct {
	pages  [][]domain.MachineMessage
	calls  []int64
	marked []string
}

func (p *fakePoller) Poll(_ context.Context, _ string, since int64) (*PollResult, error) {
	p.calls = append(p.calls, since)
	res := &PollResult{Cursor: since}
	if len(p.pages) > 0 {
		res.Messages = p.pages[0]
		p.pages = p.pages[1:]
	}
	for _, m := range res.Messages {
		if m.Seq > res.Cursor {
			res.Cursor = m.Seq
		}
	}
	return res, nil
}

func (p *fakePoller) MarkRead(_ context.Context, _ string, ids []string) error {
	p.marked = append(p.marked, ids...)
	return nil
}

func TestReceiverDeduplicatesAcrossPaths(t *testing.T) {
	var handled []string
	poller := &fakePoller{pages: [][]domain.MachineMessage{
		{{ID: "a", Seq: 1}, {ID: "b", Seq: 2}},
		{{ID: "c", Seq: 3}},
	}}
	r := NewReceiver("m1", poller, func(msg domain.MachineMessage) { handled = append(handled, msg.ID) }, zaptest.NewLogger(t), 0)

	assert.True(t, r.Dispatch(domain.MachineMessage{ID: "b"}), "pushed before polled")

	require.NoError(t, r.PollOnce(context.Background()))
	require.NoError(t, r.PollOnce(context.Background()))

	assert.Equal(t, []string{"b", "a", "c"}, handled)
	assert.Equal(t, []int64{0, 2}, poller.calls)
	assert.Equal(t, int64(3), r.Cursor())
	assert.Equal(t, []string{"a", "b", "c"}, poller.marked)
}

func TestReceiverResumesFromSavedCursor(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := CursorPath("/state", "m1")

	var handled []string
	handler := func(m domain.MachineMessage) { handled = append(handled, m.ID) }

	poller := &fakePoller{pages: [][]domain.MachineMessage{
		{{ID: "a", Seq: 3}, {ID: "b", Seq: 7}},
	}}
	first := NewReceiver("m1", poller, handler, zaptest.NewLogger(t), 0)
	require.NoError(t, first.UseCursorStore(NewFileCursor(fs, path)))
	require.NoError(t, first.PollOnce(context.Background()))
	assert.Equal(t, []string{"a", "b"}, handled)

	saved, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "7", string(saved))

	restarted := &fakePoller{}
	second := NewReceiver("m1", restarted, handler, zaptest.NewLogger(t), 0)
	require.NoError(t, second.UseCursorStore(NewFileCursor(fs, path)))
	require.NoError(t, second.PollOnce(context.Background()))
	assert.Equal(t, []int64{7}, restarted.calls, "a restarted worker polls after its saved cursor")
	assert.Equal(t, []string{"a", "b"}, handled)
}

func TestFileCursorRejectsGarbage(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/c", []byte("nope"), 0o644))

	_, err := NewFileCursor(fs, "/state/c").Load()
	assert.Error(t, err)

	cursor, err := NewFileCursor(fs, "/state/missing").Load()
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestReceiverForgetsOldestBeyondLimit(t *testing.T) {
	count := 0
	r := NewReceiver("m1", &fakePoller{}, func(domain.MachineMessage) { count++ }, zaptest.NewLogger(t), 2)

	r.Dispatch(domain.MachineMessage{ID: "a"})
	r.Dispatch(domain.MachineMessage{ID: "b"})
	r.Dispatch(domain.MachineMessage{ID: "c"})
	assert.False(t, r.Dispatch(domain.MachineMessage{ID: "c"}))
	assert.True(t, r.Dispatch(domain.MachineMessage{ID: "a"}), "evicted ids are accepted again")
	assert.Equal(t, 4, count)
}

func TestClientPollAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/relay/poll/m1":
			assert.Equal(t, "7", req.URL.Query().Get("since"))
			assert.Equal(t, "Bearer key", req.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(PollResult{Messages: []domain.MachineMessage{{ID: "x", Seq: 8}}, Cursor: 8})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "machine not found"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "key")
	res, err := c.Poll(context.Background(), "m1", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Cursor)
	require.Len(t, res.Messages, 1)

	_, err = c.Heartbeat(context.Background(), &domain.Heartbeat{Hostname: "h"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machine not found")
}
