package api

import (
	"github.com/gofiber/fiber/v2"

	"mailcore/utils"
)

// I18nHandler serves the error catalog so clients can render kinds
// without a round trip per failure
type I18nHandler struct{}

var errorKinds = []utils.ErrorKind{
	utils.KindConfiguration,
	utils.KindValidation,
	utils.KindCredentialValidation,
	utils.KindDecryption,
	utils.KindTokenRefresh,
	utils.KindNoValidCredential,
	utils.KindSend,
	utils.KindPersistence,
	utils.KindNotFound,
	utils.KindUnauthorized,
	utils.KindInternal,
}

// GetTranslations returns the localized detail for every error kind
func (h *I18nHandler) GetTranslations(c *fiber.Ctx) error {
	lang := utils.MatchLanguage(c.Params("lang"))
	localizer := utils.GetLocalizer(lang)

	translations := make(map[string]string, len(errorKinds)+1)
	for _, kind := range errorKinds {
		translations[string(kind)] = utils.T(localizer, "error_"+string(kind))
	}
	translations["RateLimited"] = utils.T(localizer, "error_rate_limited")

	return c.JSON(fiber.Map{"lang": lang, "errors": translations})
}
