package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/service"
)

// CreateSession spawns a terminal session.
// POST /sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req domain.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.MachineID == "" {
		return badRequest(c, "machine_id is required")
	}
	if req.Command == "" {
		return badRequest(c, "command is required")
	}

	session, err := h.service.CreateSession(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// ListSessions lists sessions, optionally by status.
// GET /sessions?status=
func (h *Handler) ListSessions(c echo.Context) error {
	status := domain.SessionStatus(c.QueryParam("status"))
	sessions, err := h.service.ListSessions(c.Request().Context(), status)
	if err != nil {
		return respondError(c, err)
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": sessions,
		"live":     h.service.LiveSessions(),
	})
}

// GET /sessions/:id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// GetSessionBuffer returns buffered output for late-joining viewers.
// GET /sessions/:id/buffer
func (h *Handler) GetSessionBuffer(c echo.Context) error {
	buf, err := h.service.GetBuffer(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": c.Param("id"),
		"data":       buf,
	})
}

// POST /sessions/:id/input
func (h *Handler) SessionInput(c echo.Context) error {
	var req domain.SessionInputRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.service.Input(c.Request().Context(), c.Param("id"), []byte(req.Data)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// POST /sessions/:id/resize
func (h *Handler) ResizeSession(c echo.Context) error {
	var req domain.ResizeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.service.Resize(c.Request().Context(), c.Param("id"), req.Cols, req.Rows); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// KillSession signals the process and closes the row. Killing a closed
// session succeeds.
// DELETE /sessions/:id?signal=
func (h *Handler) KillSession(c echo.Context) error {
	sig, err := service.ParseSignal(c.QueryParam("signal"))
	if err != nil {
		return respondError(c, err)
	}
	session, err := h.service.KillSession(c.Request().Context(), c.Param("id"), sig)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}
