// Package hub fans near-real-time events out to connected viewers and routes
// viewer input back into terminal sessions.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/metrics"
	"github.com/xiaot623/gogo/fleet/internal/protocol"
	"github.com/xiaot623/gogo/fleet/internal/pubsub"
	"github.com/xiaot623/gogo/fleet/internal/terminal"
)

// SendBuffer is the number of frames queued per viewer before it is dropped.
const SendBuffer = 256

var (
	// ErrBufferFull is returned when a viewer's send queue is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrNotAttached is returned for input from a viewer not attached to the session.
	ErrNotAttached = errors.New("viewer is not attached to session")
)

// PTY is the part of the terminal manager the hub needs to stream a session.
type PTY interface {
	Write(sessionID string, data []byte) error
	Resize(sessionID string, cols, rows uint16) error
	Buffer(sessionID string) ([]byte, bool)
	Has(sessionID string) bool
	SubscribeOutput(sessionID string, h pubsub.Handler[terminal.Event]) func()
	SubscribeSessionExit(sessionID string, h pubsub.Handler[terminal.Event]) func()
}

// Connection represents a single viewer socket.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	writeMu    sync.Mutex
	registered chan struct{}

	mu            sync.Mutex
	authenticated bool
	attached      string
}

// Authenticated reports whether the connection passed the hello handshake.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Attached returns the session the viewer drives, if any.
func (c *Connection) Attached() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// WriteMessage writes a message to the socket with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// Close closes the socket.
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

type ptyRegistration struct {
	pty    PTY
	unsubs []func()
}

// Hub manages viewer connections and registered terminal sessions.
type Hub struct {
	log *zap.Logger

	// All open connections, authenticated or not
	connections map[string]*Connection
	// Authenticated connections; only these receive events
	viewers map[string]*Connection
	// Sessions whose output is streamed
	ptys map[string]*ptyRegistration

	register   chan *Connection
	unregister chan *Connection
	done       chan struct{}

	mu sync.RWMutex
}

// New creates a hub. Run must be started before connections are registered.
func New(log *zap.Logger) *Hub {
	return &Hub{
		log:         log.Named("hub"),
		connections: make(map[string]*Connection),
		viewers:     make(map[string]*Connection),
		ptys:        make(map[string]*ptyRegistration),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		done:        make(chan struct{}),
	}
}

// Run processes registrations until ctx is cancelled, then closes every
// connection's send queue.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, conn := range h.connections {
				delete(h.connections, id)
				delete(h.viewers, id)
				close(conn.Send)
			}
			metrics.ConnectedViewers.Set(0)
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			close(conn.registered)
			h.log.Debug("connection registered", zap.String("conn_id", conn.ID))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				delete(h.viewers, conn.ID)
				close(conn.Send)
			}
			metrics.ConnectedViewers.Set(float64(len(h.viewers)))
			h.mu.Unlock()
			h.log.Debug("connection unregistered", zap.String("conn_id", conn.ID))
		}
	}
}

// NewConnection wraps a socket; it is not registered yet.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, SendBuffer),

		registered: make(chan struct{}),
	}
}

// Register adds a connection and returns once the hub tracks it. It
// receives nothing until authenticated.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		close(conn.Send)
		return
	}
	select {
	case <-conn.registered:
	case <-h.done:
	}
}

// Unregister removes a connection and closes its send queue.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Authenticate promotes a registered connection to a viewer.
func (h *Hub) Authenticate(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return false
	}
	conn.mu.Lock()
	conn.authenticated = true
	conn.mu.Unlock()
	h.viewers[conn.ID] = conn
	metrics.ConnectedViewers.Set(float64(len(h.viewers)))
	return true
}

// ViewerCount returns the number of authenticated connections.
func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Sessions returns the ids of streamed sessions.
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.ptys))
	for id := range h.ptys {
		ids = append(ids, id)
	}
	return ids
}

// RegisterPTY streams a session's output to every viewer and accepts input
// for it from attached viewers. The registration ends when the session exits.
func (h *Hub) RegisterPTY(sessionID string, pty PTY) {
	reg := &ptyRegistration{pty: pty}
	reg.unsubs = []func(){
		pty.SubscribeOutput(sessionID, func(ev terminal.Event) {
			h.Broadcast(protocol.TypePTYOutput, protocol.PTYOutputPayload{
				SessionID: ev.SessionID,
				Data:      ev.Data,
			})
		}),
		pty.SubscribeSessionExit(sessionID, func(ev terminal.Event) {
			h.Broadcast(protocol.TypePTYExit, protocol.PTYExitPayload{
				SessionID: ev.SessionID,
				ExitCode:  ev.ExitCode,
			})
			h.UnregisterPTY(sessionID)
		}),
	}

	h.mu.Lock()
	old := h.ptys[sessionID]
	h.ptys[sessionID] = reg
	h.mu.Unlock()
	if old != nil {
		for _, unsub := range old.unsubs {
			unsub()
		}
	}

	// The process may have exited before the subscriptions were in place.
	if !pty.Has(sessionID) {
		h.UnregisterPTY(sessionID)
	}
}

// UnregisterPTY stops streaming a session. It is safe to call more than once.
func (h *Hub) UnregisterPTY(sessionID string) {
	h.mu.Lock()
	reg, ok := h.ptys[sessionID]
	if ok {
		delete(h.ptys, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	for _, unsub := range reg.unsubs {
		unsub()
	}
}

func (h *Hub) pty(sessionID string) PTY {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if reg, ok := h.ptys[sessionID]; ok {
		return reg.pty
	}
	return nil
}

// Attach binds a viewer to a session and replays its buffered output.
func (h *Hub) Attach(conn *Connection, sessionID string) error {
	if !conn.Authenticated() {
		return domain.ErrUnauthorized
	}
	pty := h.pty(sessionID)
	if pty == nil {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}

	conn.mu.Lock()
	conn.attached = sessionID
	conn.mu.Unlock()

	if buf, ok := pty.Buffer(sessionID); ok && len(buf) > 0 {
		return h.SendTo(conn, protocol.TypePTYOutput, protocol.PTYOutputPayload{
			SessionID: sessionID,
			Data:      buf,
			Replay:    true,
		})
	}
	return nil
}

// Detach releases the viewer's session binding.
func (h *Hub) Detach(conn *Connection) {
	conn.mu.Lock()
	conn.attached = ""
	conn.mu.Unlock()
}

func (h *Hub) attachedPTY(conn *Connection, sessionID string) (PTY, string, error) {
	if !conn.Authenticated() {
		return nil, "", domain.ErrUnauthorized
	}
	attached := conn.Attached()
	if sessionID == "" {
		sessionID = attached
	}
	if sessionID == "" || sessionID != attached {
		return nil, "", ErrNotAttached
	}
	pty := h.pty(sessionID)
	if pty == nil {
		return nil, "", fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return pty, sessionID, nil
}

// Input writes viewer keystrokes into the attached session.
func (h *Hub) Input(conn *Connection, sessionID string, data []byte) error {
	pty, id, err := h.attachedPTY(conn, sessionID)
	if err != nil {
		return err
	}
	return pty.Write(id, data)
}

// Resize changes the window of the attached session.
func (h *Hub) Resize(conn *Connection, sessionID string, cols, rows uint16) error {
	pty, id, err := h.attachedPTY(conn, sessionID)
	if err != nil {
		return err
	}
	return pty.Resize(id, cols, rows)
}

// Broadcast pushes an event to every viewer. Nothing is queued when no
// viewers are connected, and a viewer whose queue is full is dropped.
func (h *Hub) Broadcast(typ string, payload any) {
	h.mu.RLock()
	if len(h.viewers) == 0 {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	data, err := protocol.Encode(typ, payload)
	if err != nil {
		h.log.Warn("encode broadcast failed", zap.String("type", typ), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, conn := range h.viewers {
		select {
		case conn.Send <- data:
		default:
			h.log.Warn("viewer buffer full, closing", zap.String("conn_id", id))
			go h.Unregister(conn)
		}
	}
}

// SendTo queues one event for a single connection.
func (h *Hub) SendTo(conn *Connection, typ string, payload any) error {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return nil
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendError queues an error frame for a single connection.
func (h *Hub) SendError(conn *Connection, code, message string) {
	if err := h.SendTo(conn, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}); err != nil {
		h.log.Warn("send error frame failed", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}

// SendAlert notifies viewers of a persisted alert.
func (h *Hub) SendAlert(alert *domain.Alert) {
	h.Broadcast(protocol.TypeAlert, alert)
}

// SendAgentUpdate notifies viewers of an agent status change.
func (h *Hub) SendAgentUpdate(agent *domain.Agent) {
	h.Broadcast(protocol.TypeAgentUpdate, agent)
}

// SendAgentDone notifies viewers that an agent completed.
func (h *Hub) SendAgentDone(agent *domain.Agent) {
	h.Broadcast(protocol.TypeAgentDone, agent)
}

// SendCheckpoint notifies viewers of a checkpoint transition.
func (h *Hub) SendCheckpoint(cp *domain.Checkpoint) {
	h.Broadcast(protocol.TypeCheckpoint, cp)
}

// SendHookEvent forwards a hook or tool event.
func (h *Hub) SendHookEvent(ev *domain.HookEvent) {
	h.Broadcast(protocol.TypeHookEvent, ev)
}

// WaitStopped blocks until Run has returned or the timeout elapses.
func (h *Hub) WaitStopped(timeout time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
