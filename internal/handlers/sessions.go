package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/vanpelt/runbridge/internal/broker"
	"github.com/vanpelt/runbridge/internal/screen"
)

// SessionsHandler exposes the broker's sessions over HTTP
type SessionsHandler struct {
	registry *broker.Registry
}

// RestartSessionResponse represents the response to a restart request
// @Description Session status right after the restart was accepted
type RestartSessionResponse struct {
	Message string        `json:"message" example:"Session restarting"`
	Session broker.Status `json:"session"`
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(registry *broker.Registry) *SessionsHandler {
	return &SessionsHandler{registry: registry}
}

// ListSessions returns the status of every known session
// @Summary List sessions
// @Description Returns phase, viewer count and worker details for all sessions
// @Tags sessions
// @Produce json
// @Success 200 {array} broker.Status
// @Router /v1/sessions [get]
func (h *SessionsHandler) ListSessions(c *fiber.Ctx) error {
	return c.JSON(h.registry.List())
}

// RestartSession tears down and respawns a session's worker
// @Summary Restart session
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 202 {object} RestartSessionResponse
// @Failure 404 {object} map[string]string
// @Router /v1/sessions/{id}/restart [post]
func (h *SessionsHandler) RestartSession(c *fiber.Ctx) error {
	session, ok := h.registry.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}

	if err := session.Restart(); err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, broker.ErrClosed) {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(RestartSessionResponse{
		Message: "Session restarting",
		Session: session.Status(),
	})
}

// GetScreen renders a session's backlog as the plain text a terminal of the
// given size would show
// @Summary Render session screen
// @Tags sessions
// @Produce plain
// @Param id path string true "Session ID"
// @Param cols query int false "Columns (defaults to the session geometry)"
// @Param rows query int false "Rows (defaults to the session geometry)"
// @Success 200 {string} string
// @Failure 404 {object} map[string]string
// @Router /v1/sessions/{id}/screen [get]
func (h *SessionsHandler) GetScreen(c *fiber.Ctx) error {
	session, ok := h.registry.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}

	defaultCols, defaultRows := session.Geometry()
	cols, err := queryDimension(c, "cols", int(defaultCols))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	rows, err := queryDimension(c, "rows", int(defaultRows))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	emu := screen.New(cols, rows)
	emu.Write(session.Backlog())
	if title := emu.Title(); title != "" {
		c.Set("X-Terminal-Title", title)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(emu.Render())
}

func queryDimension(c *fiber.Ctx, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid "+name+": "+raw)
	}
	return n, nil
}
