package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/coder1/vibeterm/internal/services"
)

// SessionsHandler exposes the read-only REST surface over the registry.
type SessionsHandler struct {
	manager *services.Manager
	input   *services.ClaudeInput
}

// NewSessionsHandler creates the REST handler.
func NewSessionsHandler(manager *services.Manager, input *services.ClaudeInput) *SessionsHandler {
	return &SessionsHandler{manager: manager, input: input}
}

// ListSessions returns a snapshot of every live session.
func (h *SessionsHandler) ListSessions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"sessions": h.manager.Sessions()})
}

// GetTelemetry returns the registry counters.
func (h *SessionsHandler) GetTelemetry(c *fiber.Ctx) error {
	return c.JSON(h.manager.Telemetry())
}

// GetBuffer returns the session's buffered output so a client can repaint
// its terminal after reconnecting.
func (h *SessionsHandler) GetBuffer(c *fiber.Ctx) error {
	session, err := h.manager.GetSession(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	return c.JSON(fiber.Map{
		"id":     session.ID,
		"buffer": string(session.ReplayBuffer()),
	})
}

// GetDeliveries returns the recent automated-response delivery log for a
// session, newest first.
func (h *SessionsHandler) GetDeliveries(c *fiber.Ctx) error {
	session, err := h.manager.GetSession(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	return c.JSON(fiber.Map{
		"id":         session.ID,
		"deliveries": h.input.Deliveries(session.ID),
	})
}
