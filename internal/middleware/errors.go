package middleware

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler renders every error as {"error": "<sentence>"}. Errors that
// are not *fiber.Error become a generic 500 and are logged.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Something went wrong. Please try again."

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		} else {
			logger.Error("unhandled error",
				slog.String("path", c.Path()),
				slog.String("request_id", GetRequestID(c)),
				slog.Any("error", err),
			)
		}
		return c.Status(code).JSON(fiber.Map{"error": message})
	}
}
