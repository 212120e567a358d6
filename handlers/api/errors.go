package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"mailcore/middleware"
	"mailcore/utils"
)

// ErrorHandler renders every error as {"error": {"kind", "detail", ...}}.
// Operational errors are logged as incidents and reach the caller only as
// a generic 503.
func ErrorHandler(c *fiber.Ctx, err error) error {
	appErr := asAppError(err)
	localizer := middleware.Localizer(c)

	body := fiber.Map{
		"kind":   appErr.Kind,
		"detail": utils.T(localizer, "error_"+string(appErr.Kind)),
	}

	code := appErr.Code
	log := utils.Log.WithField("path", c.Path()).WithField("kind", appErr.Kind)
	switch {
	case appErr.Operational():
		log.Error("Incident: %v", appErr)
		if appErr.Kind != utils.KindInternal {
			code = fiber.StatusServiceUnavailable
		}
	default:
		log.Debug("Request failed: %v", appErr)
		body["message"] = appErr.Message
		if field, ok := appErr.Context["field"]; ok {
			body["field"] = field
		}
	}

	return c.Status(code).JSON(fiber.Map{"error": body})
}

func asAppError(err error) *utils.AppError {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		switch {
		case fe.Code == fiber.StatusNotFound:
			return utils.NotFoundError(fe.Message, err)
		case fe.Code == fiber.StatusUnauthorized:
			return utils.UnauthorizedError(fe.Message, err)
		case fe.Code >= 400 && fe.Code < 500:
			appErr = utils.ValidationError(fe.Message, err)
			appErr.Code = fe.Code
			return appErr
		}
	}
	return utils.InternalServerError("unexpected error", err)
}
