package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/protocol"
	"github.com/xiaot623/gogo/fleet/tests/helpers"
)

type recordingPusher struct {
	channel domain.Channel
	err     error

	mu     sync.Mutex
	pushed map[string][]string
}

func newRecordingPusher(ch domain.Channel, err error) *recordingPusher {
	return &recordingPusher{channel: ch, err: err, pushed: make(map[string][]string)}
}

func (p *recordingPusher) Channel() domain.Channel { return p.channel }

func (p *recordingPusher) Push(_ context.Context, m *domain.Machine, msg *domain.MachineMessage) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed[m.ID] = append(p.pushed[m.ID], msg.ID)
	return nil
}

func register(t *testing.T, r *Relay, id string, channels ...domain.Channel) {
	t.Helper()
	_, err := r.RegisterMachine(context.Background(), &domain.MachineDescriptor{
		ID: id, Name: id, Hostname: id + ".local", Channels: channels,
	})
	require.NoError(t, err)
}

func TestRegisterMachineUpsertsByIDAndHostname(t *testing.T) {
	ctx := context.Background()
	r := New(helpers.NewTestSQLiteStore(t), zaptest.NewLogger(t), Options{})

	m, err := r.RegisterMachine(ctx, &domain.MachineDescriptor{Hostname: "box"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "box", m.Name)
	assert.Equal(t, []domain.Channel{domain.ChannelPoll}, m.Channels)

	again, err := r.RegisterMachine(ctx, &domain.MachineDescriptor{Hostname: "box", Name: "renamed", Channels: []domain.Channel{domain.ChannelNATS}})
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)
	assert.Equal(t, m.CreatedAt.UnixMilli(), again.CreatedAt.UnixMilli())

	machines, err := r.ListMachines(ctx)
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, "renamed", machines[0].Name)

	_, err = r.RegisterMachine(ctx, &domain.MachineDescriptor{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = r.RegisterMachine(ctx, &domain.MachineDescriptor{ID: "x", Channels: []domain.Channel{"smoke"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBroadcastReachesEachMachineOnce(t *testing.T) {
	ctx := context.Background()
	ws := newRecordingPusher(domain.ChannelWebSocket, nil)
	r := New(helpers.NewTestSQLiteStore(t), zaptest.NewLogger(t), Options{}, ws)
	register(t, r, "m1", domain.ChannelWebSocket)
	register(t, r, "m2", domain.ChannelWebSocket)

	res, err := r.Send(ctx, &domain.SendMessageRequest{To: domain.BroadcastRecipient, Content: "ping"})
	require.NoError(t, err)
	assert.Len(t, res.Deliveries, 2)

	for _, id := range []string{"m1", "m2"} {
		msgs, err := r.GetMessages(ctx, domain.MessageFilter{To: id})
		require.NoError(t, err)
		require.Len(t, msgs, 1, id)
		assert.Equal(t, "ping", msgs[0].Content)
		assert.Equal(t, []string{res.Message.ID}, ws.pushed[id])
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	ctx := context.Background()
	ws := newRecordingPusher(domain.ChannelWebSocket, nil)
	r := New(helpers.NewTestSQLiteStore(t), zaptest.NewLogger(t), Options{}, ws)
	register(t, r, "m1", domain.ChannelWebSocket)
	register(t, r, "m2", domain.ChannelWebSocket)

	_, err := r.Send(ctx, &domain.SendMessageRequest{From: "m1", To: domain.BroadcastRecipient, Content: "hi"})
	require.NoError(t, err)
	assert.Empty(t, ws.pushed["m1"])
	assert.Len(t, ws.pushed["m2"], 1)

	own, err := r.Poll(ctx, "m1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, own.Messages)
}

func TestSendFallsBackToPoll(t *testing.T) {
	ctx := context.Background()
	failing := newRecordingPusher(domain.ChannelHTTP, errors.New("connection refused"))
	r := New(helpers.NewTestSQLiteStore(t), zaptest.NewLogger(t), Options{}, failing)
	register(t, r, "m1", domain.ChannelHTTP, domain.ChannelPoll)

	res, err := r.Send(ctx, &domain.SendMessageRequest{To: "m1", Content: "build", Type: domain.MessageTypeCommand})
	require.NoError(t, err)
	require.Len(t, res.Deliveries, 1)
	assert.False(t, res.Deliveries[0].Pushed)
	assert.Equal(t, domain.ChannelPoll, res.Deliveries[0].Channel)

	polled, err := r.Poll(ctx, "m1", 0, 0)
	require.NoError(t, err)
	require.Len(t, polled.Messages, 1)
	assert.Equal(t, res.Message.ID, polled.Messages[0].ID)
}

func TestPollOfflineMachineWithDisjointCursors(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	ws := newRecordingPusher(domain.ChannelWebSocket, nil)
	r := New(store, zaptest.NewLogger(t), Options{OfflineTimeout: time.Minute}, ws)
	helpers.SeedMachine(t, store, "m1", time.Now().Add(-time.Hour))

	first, err := r.Send(ctx, &domain.SendMessageRequest{To: "m1", Content: "one"})
	require.NoError(t, err)
	assert.False(t, first.Deliveries[0].Pushed, "offline machines are not pushed to")
	assert.Empty(t, ws.pushed["m1"])

	page1, err := r.Poll(ctx, "m1", 0, 0)
	require.NoError(t, err)
	require.Len(t, page1.Messages, 1)

	_, err = r.Send(ctx, &domain.SendMessageRequest{To: "m1", Content: "two"})
	require.NoError(t, err)

	page2, err := r.Poll(ctx, "m1", page1.Cursor, 0)
	require.NoError(t, err)
	require.Len(t, page2.Messages, 1)
	assert.Equal(t, "two", page2.Messages[0].Content)

	page3, err := r.Poll(ctx, "m1", page2.Cursor, 0)
	require.NoError(t, err)
	assert.Empty(t, page3.Messages)
	assert.Equal(t, page2.Cursor, page3.Cursor)
}

func TestSendToUnknownMachineIsDurable(t *testing.T) {
	ctx := context.Background()
	r := New(helpers.NewTestSQLiteStore(t), zaptest.NewLogger(t), Options{})

	res, err := r.Send(ctx, &domain.SendMessageRequest{To: "later", Content: "hello"})
	require.NoError(t, err)
	assert.False(t, res.Deliveries[0].Pushed)

	polled, err := r.Poll(ctx, "later", 0, 0)
	require.NoError(t, err)
	assert.Len(t, polled.Messages, 1)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	r := New(helpers.NewTestSQLiteStore(t), zaptest.NewLogger(t), Options{})

	_, err := r.Send(ctx, &domain.SendMessageRequest{Content: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = r.Send(ctx, &domain.SendMessageRequest{To: "m1"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = r.Send(ctx, &domain.SendMessageRequest{To: "m1", Content: "x", Type: "gossip"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = r.Poll(ctx, "", 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestHandleIncomingStoresOnceAndForwards(t *testing.T) {
	ctx := context.Background()
	nats := newRecordingPusher(domain.ChannelNATS, nil)
	r := New(helpers.NewTestSQLiteStore(t), zaptest.NewLogger(t), Options{}, nats)
	register(t, r, "m2", domain.ChannelNATS)

	msg := &domain.MachineMessage{ID: "ext-1", FromID: "m1", ToID: "m2", Content: "status ok", Type: domain.MessageTypeStatus}
	res, err := r.HandleIncoming(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelHTTP, res.Message.Channel)
	assert.Len(t, nats.pushed["m2"], 1)

	dup := &domain.MachineMessage{ID: "ext-1", FromID: "m1", ToID: "m2", Content: "status ok"}
	_, err = r.HandleIncoming(ctx, dup)
	require.NoError(t, err)
	assert.Len(t, nats.pushed["m2"], 1, "duplicates are not forwarded again")

	toHub := &domain.MachineMessage{FromID: "m2", ToID: HubMachineID, Content: "hello hub"}
	res, err = r.HandleIncoming(ctx, toHub)
	require.NoError(t, err)
	assert.Empty(t, res.Deliveries)

	history, err := r.GetMessages(ctx, domain.MessageFilter{})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = r.HandleIncoming(ctx, &domain.MachineMessage{ToID: "m2", Content: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	r := New(helpers.NewTestSQLiteStore(t), zaptest.NewLogger(t), Options{})

	res, err := r.Send(ctx, &domain.SendMessageRequest{To: "m1", Content: "x"})
	require.NoError(t, err)

	n, err := r.MarkRead(ctx, "m1", []string{res.Message.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	unread, err := r.GetMessages(ctx, domain.MessageFilter{To: "m1", UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestHTTPPusher(t *testing.T) {
	var got domain.MachineMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, IncomingPath, req.URL.Path)
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPPusher(time.Second, "")
	msg := &domain.MachineMessage{ID: "m-1", Content: "hi"}
	require.NoError(t, p.Push(context.Background(), &domain.Machine{ID: "m1", Address: srv.URL + "/"}, msg))
	assert.Equal(t, "m-1", got.ID)

	assert.ErrorIs(t, p.Push(context.Background(), &domain.Machine{ID: "m2"}, msg), ErrNoRoute)
}

func TestHTTPPusherRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewHTTPPusher(time.Second, "").Push(context.Background(), &domain.Machine{ID: "m1", Address: srv.URL}, &domain.MachineMessage{ID: "x"})
	assert.Error(t, err)
}

func TestLinksPush(t *testing.T) {
	links := NewLinks()
	m := &domain.Machine{ID: "m1"}
	msg := &domain.MachineMessage{ID: "x", Content: "hi"}

	assert.ErrorIs(t, links.Push(context.Background(), m, msg), ErrNoRoute)

	link := links.Attach("m1")
	assert.True(t, links.Connected("m1"))
	require.NoError(t, links.Push(context.Background(), m, msg))

	env, err := protocol.Decode(<-link.Send)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeRelayMessage, env.Type)

	replacement := links.Attach("m1")
	_, open := <-link.Send
	assert.False(t, open, "replaced link is closed")

	links.Detach(link)
	assert.True(t, links.Connected("m1"), "detaching a stale link keeps the current one")
	links.Detach(replacement)
	assert.False(t, links.Connected("m1"))
}

func TestNATSPusherWithoutConnection(t *testing.T) {
	p := NewNATSPusher(nil)
	assert.Equal(t, domain.ChannelNATS, p.Channel())
	assert.ErrorIs(t, p.Push(context.Background(), &domain.Machine{ID: "m1"}, &domain.MachineMessage{}), ErrNoRoute)
	assert.Equal(t, "fleet.relay.m1", Subject("m1"))
}
