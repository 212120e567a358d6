package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/nicksnyder/go-i18n/v2/i18n"

	"mailcore/utils"
)

// LocaleMiddleware picks the caller's language and stores its localizer
func LocaleMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// An explicit choice wins over the browser's preference
		lang := c.Query("lang")
		if lang == "" {
			lang = c.Cookies("lang")
		}
		if lang == "" {
			lang = c.Get(fiber.HeaderAcceptLanguage)
		}
		lang = utils.MatchLanguage(lang)

		c.Locals("localizer", utils.GetLocalizer(lang))
		c.Locals("lang", lang)
		return c.Next()
	}
}

// Localizer returns the request's localizer, falling back to English
func Localizer(c *fiber.Ctx) *i18n.Localizer {
	if l, ok := c.Locals("localizer").(*i18n.Localizer); ok {
		return l
	}
	return utils.GetLocalizer("en")
}
