package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// ListAlerts lists alerts, newest first.
// GET /alerts?unacknowledged=true&type=&machine_id=&agent_id=&limit=
func (h *Handler) ListAlerts(c echo.Context) error {
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}
	filter := domain.AlertFilter{
		UnacknowledgedOnly: c.QueryParam("unacknowledged") == "true",
		MachineID:          c.QueryParam("machine_id"),
		AgentID:            c.QueryParam("agent_id"),
		Type:               domain.AlertType(c.QueryParam("type")),
		Limit:              int(limit),
	}
	alerts, err := h.service.ListAlerts(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, err)
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	return c.JSON(http.StatusOK, map[string]any{"alerts": alerts})
}

// POST /alerts/:id/ack
func (h *Handler) AcknowledgeAlert(c echo.Context) error {
	alert, err := h.service.AcknowledgeAlert(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, alert)
}
