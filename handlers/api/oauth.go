package api

import (
	"github.com/gofiber/fiber/v2"

	"mailcore/connector"
	"mailcore/middleware"
	"mailcore/utils"
)

// OAuthHandler runs the delegated provider's consent flow
type OAuthHandler struct {
	connector *connector.Connector
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(conn *connector.Connector) *OAuthHandler {
	return &OAuthHandler{connector: conn}
}

// Start redirects to the consent screen. With ?redirect=false the URL is
// returned as JSON for clients that navigate themselves.
func (h *OAuthHandler) Start(c *fiber.Ctx) error {
	url, err := h.connector.AuthorizationURL(middleware.UserID(c))
	if err != nil {
		return err
	}
	if c.Query("redirect") == "false" {
		return c.JSON(fiber.Map{"url": url})
	}
	return c.Redirect(url, fiber.StatusFound)
}

// Callback completes the flow and stores the delegated account
func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	if reason := c.Query("error"); reason != "" {
		return utils.ValidationError("authorization was not granted", nil).WithContext("reason", reason)
	}

	account, err := h.connector.ConnectDelegated(c.UserContext(), middleware.UserID(c), c.Query("state"), c.Query("code"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"account": account.Public()})
}
