package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/localboard/localboard/internal/auth"
	"github.com/localboard/localboard/internal/signup"
)

// RegisterAuthRoutes wires the /auth endpoints.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, s *signup.Handler, signupLimit, idempotency fiber.Handler) {
	group := r.Group("/auth")
	group.Get("", h.Status)
	group.Post("", h.Dispatch)
	group.Post("/complete-signup", signupLimit, idempotency, s.Complete)
}
