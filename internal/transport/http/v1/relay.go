package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// RegisterMachine upserts a machine into the relay registry.
// POST /relay/register
func (h *Handler) RegisterMachine(c echo.Context) error {
	var req domain.MachineDescriptor
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	machine, err := h.relay.RegisterMachine(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, machine)
}

// SendMessage sends to one machine or to "*".
// POST /relay/send
func (h *Handler) SendMessage(c echo.Context) error {
	var req domain.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := h.relay.Send(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// IncomingMessage accepts a message pushed by another machine.
// POST /relay/incoming
func (h *Handler) IncomingMessage(c echo.Context) error {
	var msg domain.MachineMessage
	if err := c.Bind(&msg); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := h.relay.HandleIncoming(c.Request().Context(), &msg)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// PollMessages returns messages after the since cursor.
// GET /relay/poll/:machineId?since=&limit=
func (h *Handler) PollMessages(c echo.Context) error {
	since, err := intQuery(c, "since", 0)
	if err != nil {
		return badRequest(c, "since must be an integer cursor")
	}
	limit, err := intQuery(c, "limit", 500)
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}
	res, err := h.relay.Poll(c.Request().Context(), c.Param("machineId"), since, int(limit))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// ListMessages queries relay history.
// GET /relay/messages?from=&to=&type=&channel=&unread=&since_ms=&limit=
func (h *Handler) ListMessages(c echo.Context) error {
	sinceMs, err := intQuery(c, "since_ms", 0)
	if err != nil {
		return badRequest(c, "since_ms must be an integer")
	}
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}
	filter := domain.MessageFilter{
		From:       c.QueryParam("from"),
		To:         c.QueryParam("to"),
		Type:       domain.MessageType(c.QueryParam("type")),
		Channel:    domain.Channel(c.QueryParam("channel")),
		UnreadOnly: c.QueryParam("unread") == "true",
		Limit:      int(limit),
	}
	if sinceMs > 0 {
		filter.Since = time.UnixMilli(sinceMs)
	}
	messages, err := h.relay.GetMessages(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, err)
	}
	if messages == nil {
		messages = []domain.MachineMessage{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": messages})
}

// MarkReadRequest flips the read flag for a recipient.
type MarkReadRequest struct {
	MachineID string   `json:"machine_id"`
	IDs       []string `json:"ids"`
}

// POST /relay/read
func (h *Handler) MarkRead(c echo.Context) error {
	var req MarkReadRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	n, err := h.relay.MarkRead(c.Request().Context(), req.MachineID, req.IDs)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": n})
}

// GET /relay/machines
func (h *Handler) ListRelayMachines(c echo.Context) error {
	machines, err := h.relay.ListMachines(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	if machines == nil {
		machines = []domain.Machine{}
	}
	return c.JSON(http.StatusOK, map[string]any{"machines": machines})
}
