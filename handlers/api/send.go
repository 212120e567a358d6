package api

import (
	"github.com/gofiber/fiber/v2"

	"mailcore/dispatch"
	"mailcore/middleware"
	"mailcore/utils"
)

// SendHandler sends mail through a connected account
type SendHandler struct {
	dispatcher *dispatch.Dispatcher
}

// NewSendHandler creates a new send handler
func NewSendHandler(d *dispatch.Dispatcher) *SendHandler {
	return &SendHandler{dispatcher: d}
}

// Send handles POST /api/send
func (h *SendHandler) Send(c *fiber.Ctx) error {
	var req dispatch.SendRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ValidationError("invalid request body", err)
	}

	record, err := h.dispatcher.Send(c.UserContext(), middleware.UserID(c), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": record})
}
