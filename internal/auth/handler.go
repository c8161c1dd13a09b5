package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/localboard/localboard/internal/identity"
	"github.com/localboard/localboard/internal/otp"
	"github.com/localboard/localboard/internal/ratelimit"
)

const (
	msgTooManyRequests = "Too many requests. Please wait a moment and try again."
	msgInvalidEmail    = "Please enter a valid email address."
	msgInvalidCode     = "That code is invalid or has expired."
	msgLoginRequired   = "Please log in to continue."
	msgUnavailable     = "Service temporarily unavailable. Please try again."
)

// Sessions manages the session cookie and resolves the caller from it.
type Sessions interface {
	Issue(c *fiber.Ctx, token string)
	Clear(c *fiber.Ctx)
	Resolve(c *fiber.Ctx) (identity.Identity, error)
}

// Limits are the budgets charged by the /auth actions.
type Limits struct {
	OTPPerIP       ratelimit.Budget
	OTPPerEmail    ratelimit.Budget
	VerifyOTPPerIP ratelimit.Budget
	LoginPerIP     ratelimit.Budget
}

// Handler exposes the /auth endpoint.
type Handler struct {
	svc      *Service
	sessions Sessions
	limiter  *ratelimit.Limiter
	limits   Limits
	logger   *slog.Logger
}

// NewHandler builds the auth handler.
func NewHandler(svc *Service, sessions Sessions, limiter *ratelimit.Limiter, limits Limits, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, sessions: sessions, limiter: limiter, limits: limits, logger: logger}
}

type actionRequest struct {
	Action     string `json:"action"`
	Email      string `json:"email"`
	Code       string `json:"code"`
	PIN        string `json:"pin"`
	CurrentPIN string `json:"currentPin"`
}

// Dispatch routes POST /auth by its action field.
func (h *Handler) Dispatch(c *fiber.Ctx) error {
	var req actionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "Invalid request.")
	}
	switch strings.TrimSpace(req.Action) {
	case "send-otp":
		return h.sendOTP(c, req)
	case "verify-otp":
		return h.verifyOTP(c, req)
	case "login":
		return h.login(c, req)
	case "set-pin":
		return h.setPIN(c, req)
	case "logout":
		return h.logout(c)
	default:
		return fiber.NewError(http.StatusBadRequest, "Unknown action.")
	}
}

// Status answers GET /auth.
func (h *Handler) Status(c *fiber.Ctx) error {
	user, err := h.sessions.Resolve(c)
	switch {
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrAccountSuspended):
		return c.JSON(fiber.Map{"authenticated": false})
	case err != nil:
		h.logger.Error("session lookup failed", slog.Any("error", err))
		return fiber.NewError(http.StatusServiceUnavailable, msgUnavailable)
	}
	return c.JSON(fiber.Map{"authenticated": true, "user": user.Profile()})
}

func (h *Handler) sendOTP(c *fiber.Ctx, req actionRequest) error {
	email, err := identity.NormalizeEmail(req.Email)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, msgInvalidEmail)
	}
	if !h.allow(c,
		ratelimit.Check{Budget: h.limits.OTPPerIP, Identity: c.IP()},
		ratelimit.Check{Budget: h.limits.OTPPerEmail, Identity: email},
	) {
		return fiber.NewError(http.StatusTooManyRequests, msgTooManyRequests)
	}
	if err := h.svc.SendOTP(c.UserContext(), email); err != nil {
		h.logger.Error("otp issue failed", slog.Any("error", err))
		return fiber.NewError(http.StatusServiceUnavailable, msgUnavailable)
	}
	return c.JSON(fiber.Map{"sent": true})
}

func (h *Handler) verifyOTP(c *fiber.Ctx, req actionRequest) error {
	if !h.allow(c, ratelimit.Check{Budget: h.limits.VerifyOTPPerIP, Identity: c.IP()}) {
		return fiber.NewError(http.StatusTooManyRequests, msgTooManyRequests)
	}
	email, err := identity.NormalizeEmail(req.Email)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, msgInvalidEmail)
	}

	result, err := h.svc.VerifyOTP(c.UserContext(), email, strings.TrimSpace(req.Code))
	switch {
	case errors.Is(err, otp.ErrInvalidCode):
		return fiber.NewError(http.StatusUnauthorized, msgInvalidCode)
	case errors.Is(err, ErrAccountSuspended):
		return fiber.NewError(http.StatusUnauthorized, ErrAccountSuspended.Error())
	case err != nil:
		h.logger.Error("otp verification failed", slog.Any("error", err))
		return fiber.NewError(http.StatusServiceUnavailable, msgUnavailable)
	}

	if result.Status == StatusLoggedIn {
		h.sessions.Issue(c, result.Session)
		return c.JSON(fiber.Map{"status": result.Status, "user": result.Identity.Profile()})
	}
	return c.JSON(fiber.Map{"status": result.Status, "emailToken": result.EmailToken})
}

func (h *Handler) login(c *fiber.Ctx, req actionRequest) error {
	if !h.allow(c, ratelimit.Check{Budget: h.limits.LoginPerIP, Identity: c.IP()}) {
		return fiber.NewError(http.StatusTooManyRequests, msgTooManyRequests)
	}
	email, err := identity.NormalizeEmail(req.Email)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, msgInvalidEmail)
	}

	user, session, err := h.svc.Login(c.UserContext(), email, req.PIN)
	switch {
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrAccountSuspended):
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	case err != nil:
		h.logger.Error("login failed", slog.Any("error", err))
		return fiber.NewError(http.StatusServiceUnavailable, msgUnavailable)
	}

	h.sessions.Issue(c, session)
	return c.JSON(fiber.Map{"user": user.Profile()})
}

func (h *Handler) setPIN(c *fiber.Ctx, req actionRequest) error {
	user, err := h.requireSession(c)
	if err != nil {
		return err
	}
	switch err := h.svc.SetPIN(c.UserContext(), user, req.CurrentPIN, req.PIN); {
	case errors.Is(err, ErrInvalidPIN):
		return fiber.NewError(http.StatusBadRequest, "Your PIN must be 4 to 6 digits.")
	case errors.Is(err, ErrInvalidCredentials):
		return fiber.NewError(http.StatusUnauthorized, "Your current PIN is incorrect.")
	case err != nil:
		h.logger.Error("set pin failed", slog.Any("error", err))
		return fiber.NewError(http.StatusServiceUnavailable, msgUnavailable)
	}
	return c.JSON(fiber.Map{"ok": true})
}

func (h *Handler) logout(c *fiber.Ctx) error {
	if _, err := h.requireSession(c); err != nil {
		return err
	}
	h.sessions.Clear(c)
	return c.JSON(fiber.Map{"ok": true})
}

func (h *Handler) requireSession(c *fiber.Ctx) (identity.Identity, error) {
	user, err := h.sessions.Resolve(c)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return identity.Identity{}, fiber.NewError(http.StatusUnauthorized, msgLoginRequired)
	case errors.Is(err, ErrAccountSuspended):
		return identity.Identity{}, fiber.NewError(http.StatusUnauthorized, ErrAccountSuspended.Error())
	case err != nil:
		h.logger.Error("session lookup failed", slog.Any("error", err))
		return identity.Identity{}, fiber.NewError(http.StatusServiceUnavailable, msgUnavailable)
	}
	return user, nil
}

func (h *Handler) allow(c *fiber.Ctx, checks ...ratelimit.Check) bool {
	if h.limiter == nil {
		return true
	}
	return h.limiter.AllowAll(c.UserContext(), checks...)
}
