package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"mailcore/middleware"
	"mailcore/utils"
)

// RouterConfig carries everything the HTTP surface needs
type RouterConfig struct {
	Accounts *AccountHandler
	OAuth    *OAuthHandler
	Send     *SendHandler

	JWTSecret string
	JWTIssuer string

	RateRequests int
	RatePeriod   time.Duration
	BodyLimit    int
	AccessLog    bool
}

// NewRouter builds the fiber app with every route mounted
func NewRouter(cfg RouterConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "mailcore",
		ErrorHandler:          ErrorHandler,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if cfg.AccessLog {
		app.Use(logger.New())
	}
	app.Use(helmet.New())
	app.Use(middleware.LocaleMiddleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	i18nHandler := &I18nHandler{}
	app.Get("/i18n/:lang", i18nHandler.GetTranslations)

	api := app.Group("/api", middleware.RequireUser(cfg.JWTSecret, cfg.JWTIssuer))
	if cfg.RateRequests > 0 && cfg.RatePeriod > 0 {
		api.Use(middleware.RateLimiter(cfg.RateRequests, cfg.RatePeriod))
	}

	api.Post("/accounts", cfg.Accounts.CreateAccount)
	api.Get("/accounts", cfg.Accounts.GetAccounts)
	api.Get("/accounts/:id", cfg.Accounts.GetAccount)
	api.Get("/accounts/:id/sent", cfg.Accounts.GetSentMessages)

	api.Get("/oauth/google/start", cfg.OAuth.Start)
	api.Get("/oauth/google/callback", cfg.OAuth.Callback)

	api.Post("/send", cfg.Send.Send)

	app.Use(func(c *fiber.Ctx) error {
		return utils.NotFoundError("route not found", nil)
	})

	return app
}
