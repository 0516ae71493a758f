// Package v1 provides the REST handlers of the hub.
package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/fleet/internal/checkpoint"
	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/relay"
	"github.com/xiaot623/gogo/fleet/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service     *service.Service
	relay       *relay.Relay
	checkpoints *checkpoint.Manager
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, r *relay.Relay, checkpoints *checkpoint.Manager) *Handler {
	return &Handler{
		service:     svc,
		relay:       r,
		checkpoints: checkpoints,
	}
}

// RegisterRoutes registers the REST routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Terminal sessions
	e.POST("/sessions", h.CreateSession)
	e.GET("/sessions", h.ListSessions)
	e.GET("/sessions/:id", h.GetSession)
	e.GET("/sessions/:id/buffer", h.GetSessionBuffer)
	e.POST("/sessions/:id/input", h.SessionInput)
	e.POST("/sessions/:id/resize", h.ResizeSession)
	e.DELETE("/sessions/:id", h.KillSession)

	// Agents
	e.POST("/agents/:id/status", h.UpdateAgentStatus)
	e.GET("/agents", h.ListAgents)
	e.GET("/agents/:id", h.GetAgent)

	// Machines
	e.POST("/machines/heartbeat", h.Heartbeat)
	e.GET("/machines", h.ListMachines)
	e.DELETE("/machines/stale", h.PurgeStaleMachines)
	e.GET("/machines/:id", h.GetMachine)

	// Relay
	e.POST("/relay/register", h.RegisterMachine)
	e.POST("/relay/send", h.SendMessage)
	e.POST(relay.IncomingPath, h.IncomingMessage)
	e.GET("/relay/poll/:machineId", h.PollMessages)
	e.GET("/relay/messages", h.ListMessages)
	e.POST("/relay/read", h.MarkRead)
	e.GET("/relay/machines", h.ListRelayMachines)

	// Checkpoints
	e.GET("/checkpoints", h.ListCheckpoints)
	e.GET("/checkpoints/interrupted", h.ListInterrupted)
	e.DELETE("/checkpoints/cleanup", h.CleanupCheckpoints)
	e.GET("/checkpoints/:sessionId", h.GetCheckpoint)
	e.GET("/checkpoints/:sessionId/handoff", h.GetHandoff)
	e.POST("/checkpoints/:sessionId/resume", h.ResumeCheckpoint)

	// Alerts and hook events
	e.GET("/alerts", h.ListAlerts)
	e.POST("/alerts/:id/ack", h.AcknowledgeAlert)
	e.POST("/events", h.PublishEvent)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Health())
}

// errorStatus maps domain sentinels to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateSession), errors.Is(err, domain.ErrCheckpointConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// intQuery parses an optional integer query parameter.
func intQuery(c echo.Context, name string, def int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
