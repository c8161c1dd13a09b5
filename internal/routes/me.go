package routes

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/localboard/localboard/internal/middleware"
)

// RegisterMeRoute exposes the caller's profile behind the session guard.
func RegisterMeRoute(r fiber.Router) {
	r.Get("/me", func(c *fiber.Ctx) error {
		user, ok := middleware.CurrentIdentity(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, middleware.MsgLoginRequired)
		}
		return c.JSON(fiber.Map{"user": user.Profile()})
	})
}
