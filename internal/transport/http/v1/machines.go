package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// Heartbeat records a machine heartbeat.
// POST /machines/heartbeat
func (h *Handler) Heartbeat(c echo.Context) error {
	var req domain.Heartbeat
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	machine, err := h.service.Heartbeat(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, machine)
}

// GET /machines
func (h *Handler) ListMachines(c echo.Context) error {
	machines, err := h.service.ListMachines(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	if machines == nil {
		machines = []domain.Machine{}
	}
	return c.JSON(http.StatusOK, map[string]any{"machines": machines})
}

// GET /machines/:id
func (h *Handler) GetMachine(c echo.Context) error {
	machine, err := h.service.GetMachine(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, machine)
}

// PurgeStaleMachines deletes machines offline for more than days.
// DELETE /machines/stale?days=
func (h *Handler) PurgeStaleMachines(c echo.Context) error {
	days, err := intQuery(c, "days", 7)
	if err != nil {
		return badRequest(c, "days must be an integer")
	}
	deleted, err := h.service.PurgeStaleMachines(c.Request().Context(), int(days))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": deleted})
}
