package middleware

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/localboard/localboard/internal/ratelimit"
)

// MsgTooManyRequests is the body of every 429 response.
const MsgTooManyRequests = "Too many requests. Please wait a moment and try again."

// ClientIP keys a budget by the caller's address.
func ClientIP(c *fiber.Ctx) string {
	return c.IP()
}

// RateLimit charges budget for every request, keyed by keyFn.
func RateLimit(limiter *ratelimit.Limiter, budget ratelimit.Budget, keyFn func(*fiber.Ctx) string) fiber.Handler {
	if keyFn == nil {
		keyFn = ClientIP
	}
	return func(c *fiber.Ctx) error {
		if limiter == nil {
			return c.Next()
		}
		if !limiter.AllowBudget(c.UserContext(), budget, keyFn(c)) {
			return fiber.NewError(http.StatusTooManyRequests, MsgTooManyRequests)
		}
		return c.Next()
	}
}
