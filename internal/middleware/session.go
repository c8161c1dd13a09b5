package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/localboard/localboard/internal/auth"
	"github.com/localboard/localboard/internal/identity"
)

const identityLocalsKey = "identity"

// MsgLoginRequired is returned for missing, invalid and orphaned sessions.
const MsgLoginRequired = "Please log in to continue."

// CookieConfig controls the session cookie attributes.
type CookieConfig struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

// SessionGuard resolves the caller from the session cookie.
type SessionGuard struct {
	codec  *auth.Codec
	repo   identity.Repository
	cookie CookieConfig
	logger *slog.Logger
}

// NewSessionGuard builds a guard over the session codec and identity store.
func NewSessionGuard(codec *auth.Codec, repo identity.Repository, cookie CookieConfig, logger *slog.Logger) *SessionGuard {
	if logger == nil {
		logger = slog.Default()
	}
	if cookie.MaxAge <= 0 {
		cookie.MaxAge = codec.SessionTTL()
	}
	return &SessionGuard{codec: codec, repo: repo, cookie: cookie, logger: logger}
}

// Issue sets the session cookie.
func (g *SessionGuard) Issue(c *fiber.Ctx, token string) {
	c.Cookie(&fiber.Cookie{
		Name:     g.cookie.Name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.cookie.MaxAge.Seconds()),
		Secure:   g.cookie.Secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteStrictMode,
	})
}

// Clear expires the session cookie.
func (g *SessionGuard) Clear(c *fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     g.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   g.cookie.Secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteStrictMode,
	})
}

// Resolve returns the identity behind the session cookie. It returns
// auth.ErrUnauthenticated for a missing or invalid token and for a token whose
// account no longer exists (the cookie is cleared in that case), and
// auth.ErrAccountSuspended for banned accounts.
func (g *SessionGuard) Resolve(c *fiber.Ctx) (identity.Identity, error) {
	token := c.Cookies(g.cookie.Name)
	if token == "" {
		return identity.Identity{}, auth.ErrUnauthenticated
	}
	userID, ok := g.codec.VerifySession(token)
	if !ok {
		return identity.Identity{}, auth.ErrUnauthenticated
	}

	user, err := g.repo.FindByID(c.UserContext(), userID)
	if errors.Is(err, identity.ErrNotFound) {
		g.logger.Info("session references missing account", slog.Int64("user_id", userID))
		g.Clear(c)
		return identity.Identity{}, auth.ErrUnauthenticated
	}
	if err != nil {
		return identity.Identity{}, fmt.Errorf("load session identity: %w", err)
	}
	if user.Banned {
		return identity.Identity{}, auth.ErrAccountSuspended
	}
	return user, nil
}

// Require rejects requests without a valid session and stores the caller
// for downstream handlers.
func (g *SessionGuard) Require() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := g.Resolve(c)
		switch {
		case errors.Is(err, auth.ErrUnauthenticated):
			return fiber.NewError(http.StatusUnauthorized, MsgLoginRequired)
		case errors.Is(err, auth.ErrAccountSuspended):
			return fiber.NewError(http.StatusUnauthorized, auth.ErrAccountSuspended.Error())
		case err != nil:
			g.logger.Error("session lookup failed", slog.Any("error", err))
			return fiber.NewError(http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again.")
		}
		c.Locals(identityLocalsKey, user)
		return c.Next()
	}
}

// CurrentIdentity returns the caller stored by Require.
func CurrentIdentity(c *fiber.Ctx) (identity.Identity, bool) {
	user, ok := c.Locals(identityLocalsKey).(identity.Identity)
	return user, ok
}
