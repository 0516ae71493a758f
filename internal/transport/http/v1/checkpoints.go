package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// ListCheckpoints lists checkpoint history.
// GET /checkpoints?status=&limit=
func (h *Handler) ListCheckpoints(c echo.Context) error {
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}
	cps, err := h.checkpoints.List(c.Request().Context(), domain.CheckpointStatus(c.QueryParam("status")), int(limit))
	if err != nil {
		return respondError(c, err)
	}
	if cps == nil {
		cps = []domain.Checkpoint{}
	}
	return c.JSON(http.StatusOK, map[string]any{"checkpoints": cps})
}

// GET /checkpoints/interrupted
func (h *Handler) ListInterrupted(c echo.Context) error {
	cps, err := h.checkpoints.ListInterrupted(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	if cps == nil {
		cps = []domain.Checkpoint{}
	}
	return c.JSON(http.StatusOK, map[string]any{"checkpoints": cps})
}

// GET /checkpoints/:sessionId
func (h *Handler) GetCheckpoint(c echo.Context) error {
	cp, err := h.checkpoints.Get(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, cp)
}

// GetHandoff renders the handoff prompt for a successor session.
// GET /checkpoints/:sessionId/handoff
func (h *Handler) GetHandoff(c echo.Context) error {
	prompt, cp, err := h.checkpoints.Handoff(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": cp.SessionID,
		"status":     cp.Status,
		"prompt":     prompt,
	})
}

// ResumeCheckpoint claims an interrupted checkpoint exactly once.
// POST /checkpoints/:sessionId/resume
func (h *Handler) ResumeCheckpoint(c echo.Context) error {
	var req domain.ResumeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.NewSessionID == "" {
		return badRequest(c, "newSessionId is required")
	}
	cp, err := h.checkpoints.MarkAsResumed(c.Request().Context(), c.Param("sessionId"), req.NewSessionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, cp)
}

// CleanupCheckpoints deletes finished checkpoints older than maxAgeDays.
// DELETE /checkpoints/cleanup?maxAgeDays=
func (h *Handler) CleanupCheckpoints(c echo.Context) error {
	days, err := intQuery(c, "maxAgeDays", 7)
	if err != nil {
		return badRequest(c, "maxAgeDays must be an integer")
	}
	deleted, err := h.checkpoints.Cleanup(c.Request().Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": deleted})
}
