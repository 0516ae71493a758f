package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// UpdateAgentStatus applies a status report. It creates the agent on first
// report.
// POST /agents/:id/status
func (h *Handler) UpdateAgentStatus(c echo.Context) error {
	var req domain.AgentStatusUpdate
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.AgentID = c.Param("id")

	agent, err := h.service.UpdateAgentStatus(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// ListAgents lists agents, optionally of one machine.
// GET /agents?machine_id=
func (h *Handler) ListAgents(c echo.Context) error {
	agents, err := h.service.ListAgents(c.Request().Context(), c.QueryParam("machine_id"))
	if err != nil {
		return respondError(c, err)
	}
	if agents == nil {
		agents = []domain.Agent{}
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": agents})
}

// GET /agents/:id
func (h *Handler) GetAgent(c echo.Context) error {
	agent, err := h.service.GetAgent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// PublishEvent forwards a hook event to viewers.
// POST /events
func (h *Handler) PublishEvent(c echo.Context) error {
	var ev domain.HookEvent
	if err := c.Bind(&ev); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.service.PublishHookEvent(&ev); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
}
