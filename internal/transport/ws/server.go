// Package ws serves the websocket endpoints: viewer sockets fed by the hub
// and machine push links fed by the relay.
package ws

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/config"
	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/hub"
	"github.com/xiaot623/gogo/fleet/internal/protocol"
	"github.com/xiaot623/gogo/fleet/internal/relay"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      config.ServerConfig
	hub      *hub.Hub
	relay    *relay.Relay
	links    *relay.Links
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server. relay and links may be nil when
// machine links are not served.
func NewServer(cfg config.ServerConfig, h *hub.Hub, r *relay.Relay, links *relay.Links, log *zap.Logger) *Server {
	return &Server{
		cfg:   cfg,
		hub:   h,
		relay: r,
		links: links,
		log:   log.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes mounts the socket endpoints.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.HandleViewer)
	if s.links != nil {
		e.GET("/relay/ws", s.HandleRelayLink)
	}
}

// HandleViewer upgrades a viewer socket. The first frame must be a hello
// carrying the API key; anything else closes the socket.
func (s *Server) HandleViewer(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads frames from a viewer socket.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read failed", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}

		if !conn.Authenticated() {
			if !s.handleHello(conn, message) {
				return
			}
			continue
		}
		s.handleMessage(conn, message)
	}
}

// writePump drains the connection's queue onto the socket and pings.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug("write failed", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleHello authenticates the connection. It reports false when the
// socket must be dropped.
func (s *Server) handleHello(conn *hub.Connection, data []byte) bool {
	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.TypeHello {
		s.reject(conn, protocol.ErrorCodeSessionRequired, "hello required")
		return false
	}
	var hello protocol.HelloPayload
	if len(env.Payload) > 0 {
		if err := env.Unmarshal(&hello); err != nil {
			s.reject(conn, protocol.ErrorCodeInvalidMessage, "invalid hello message")
			return false
		}
	}
	if !ValidKey(s.cfg.APIKey, hello.APIKey) {
		s.reject(conn, protocol.ErrorCodeUnauthorized, "invalid api_key")
		return false
	}
	if !s.hub.Authenticate(conn) {
		return false
	}

	if err := s.hub.SendTo(conn, protocol.TypeHelloAck, protocol.HelloAckPayload{
		ConnectionID: conn.ID,
		Sessions:     s.hub.Sessions(),
	}); err != nil {
		s.log.Warn("send hello_ack failed", zap.String("conn_id", conn.ID), zap.Error(err))
	}
	s.log.Info("viewer connected", zap.String("conn_id", conn.ID), zap.Any("client", hello.ClientMeta))
	return true
}

// reject writes an error frame directly, since the socket closes before
// the write pump would drain it.
func (s *Server) reject(conn *hub.Connection, code, message string) {
	data, err := protocol.Encode(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	conn.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	s.log.Info("viewer rejected", zap.String("conn_id", conn.ID), zap.String("code", code))
}

// handleMessage dispatches frames of an authenticated viewer.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.hub.SendError(conn, protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch env.Type {
	case protocol.TypeHello:
		s.hub.SendTo(conn, protocol.TypeHelloAck, protocol.HelloAckPayload{ConnectionID: conn.ID, Sessions: s.hub.Sessions()})

	case protocol.TypeAttach:
		var p protocol.AttachPayload
		if err := env.Unmarshal(&p); err != nil || p.SessionID == "" {
			s.hub.SendError(conn, protocol.ErrorCodeInvalidMessage, "session_id is required")
			return
		}
		s.sendResult(conn, s.hub.Attach(conn, p.SessionID))

	case protocol.TypeDetach:
		s.hub.Detach(conn)

	case protocol.TypePTYInput:
		var p protocol.PTYInputPayload
		if err := env.Unmarshal(&p); err != nil {
			s.hub.SendError(conn, protocol.ErrorCodeInvalidMessage, "invalid pty-input message")
			return
		}
		s.sendResult(conn, s.hub.Input(conn, p.SessionID, []byte(p.Data)))

	case protocol.TypePTYResize:
		var p protocol.PTYResizePayload
		if err := env.Unmarshal(&p); err != nil {
			s.hub.SendError(conn, protocol.ErrorCodeInvalidMessage, "invalid pty-resize message")
			return
		}
		s.sendResult(conn, s.hub.Resize(conn, p.SessionID, p.Cols, p.Rows))

	default:
		s.hub.SendError(conn, protocol.ErrorCodeInvalidMessage, "unknown message type: "+env.Type)
	}
}

func (s *Server) sendResult(conn *hub.Connection, err error) {
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		s.hub.SendError(conn, protocol.ErrorCodeSessionNotFound, err.Error())
	case errors.Is(err, hub.ErrNotAttached):
		s.hub.SendError(conn, protocol.ErrorCodeSessionRequired, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		s.hub.SendError(conn, protocol.ErrorCodeUnauthorized, err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		s.hub.SendError(conn, protocol.ErrorCodeInvalidMessage, err.Error())
	default:
		s.hub.SendError(conn, protocol.ErrorCodeInternalError, err.Error())
	}
}

// HandleRelayLink upgrades a machine push link. Relayed messages for the
// machine are written to it; relay_message frames it sends are accepted as
// incoming messages.
func (s *Server) HandleRelayLink(c echo.Context) error {
	machineID := c.QueryParam("machine_id")
	if machineID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "machine_id is required"})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade relay link", zap.Error(err))
		return nil
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	if s.links.Connected(machineID) {
		s.log.Info("machine link replaced", zap.String("machine_id", machineID))
	}
	link := s.links.Attach(machineID)
	s.log.Info("machine link connected", zap.String("machine_id", machineID), zap.String("link_id", link.ID))

	go s.linkWritePump(ws, link)
	go s.linkReadPump(ws, link)
	return nil
}

func (s *Server) linkReadPump(ws *websocket.Conn, link *relay.Link) {
	defer func() {
		s.links.Detach(link)
		ws.Close()
		s.log.Info("machine link closed", zap.String("machine_id", link.MachineID))
	}()

	ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil || env.Type != protocol.TypeRelayMessage {
			s.log.Debug("ignoring link frame", zap.String("machine_id", link.MachineID))
			continue
		}
		var msg domain.MachineMessage
		if err := env.Unmarshal(&msg); err != nil {
			continue
		}
		if msg.FromID == "" {
			msg.FromID = link.MachineID
		}
		msg.Channel = domain.ChannelWebSocket

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := s.relay.HandleIncoming(ctx, &msg); err != nil {
			s.log.Warn("link message rejected", zap.String("machine_id", link.MachineID), zap.Error(err))
		}
		cancel()
	}
}

// linkWritePump holds the only writer of the link socket.
func (s *Server) linkWritePump(ws *websocket.Conn, link *relay.Link) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-link.Send:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ValidKey reports whether got matches the configured key. An empty
// configured key disables authentication.
func ValidKey(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
