package signup

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/localboard/localboard/internal/auth"
	"github.com/localboard/localboard/internal/geofence"
)

const msgInternal = "Something went wrong. Please try again."

// SessionIssuer sets the session cookie on a response.
type SessionIssuer interface {
	Issue(c *fiber.Ctx, token string)
}

// Handler exposes POST /auth/complete-signup.
type Handler struct {
	orchestrator *Orchestrator
	sessions     SessionIssuer
	logger       *slog.Logger
}

// NewHandler builds the signup handler.
func NewHandler(o *Orchestrator, sessions SessionIssuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orchestrator: o, sessions: sessions, logger: logger}
}

// Complete parses the multipart form and runs the orchestrator.
func (h *Handler) Complete(c *fiber.Ctx) error {
	sub, err := parseSubmission(c)
	if err != nil {
		return h.respondError(c, err)
	}

	outcome, err := h.orchestrator.Complete(c.UserContext(), sub)
	if err != nil {
		return h.respondError(c, err)
	}

	h.sessions.Issue(c, outcome.Session)
	return c.Status(http.StatusCreated).JSON(fiber.Map{"user": outcome.Identity.Profile()})
}

func (h *Handler) respondError(c *fiber.Ctx, err error) error {
	var (
		rejection  *geofence.RejectionError
		validation *ValidationError
	)
	switch {
	case errors.As(err, &rejection):
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error":        rejection.Error(),
			"distanceFeet": rejection.DistanceFeet(),
		})
	case errors.As(err, &validation):
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": validation.Message, "field": validation.Field})
	case errors.Is(err, ErrEmailNotProven):
		return fiber.NewError(http.StatusUnauthorized, ErrEmailNotProven.Error())
	case errors.Is(err, ErrAlreadyExists):
		return fiber.NewError(http.StatusConflict, ErrAlreadyExists.Error())
	case errors.Is(err, ErrSignupConflict):
		return fiber.NewError(http.StatusConflict, ErrSignupConflict.Error())
	case errors.Is(err, auth.ErrAccountSuspended):
		return fiber.NewError(http.StatusForbidden, auth.ErrAccountSuspended.Error())
	case errors.Is(err, ErrStorageUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, ErrStorageUnavailable.Error())
	default:
		h.logger.Error("signup failed", slog.Any("error", err))
		return fiber.NewError(http.StatusInternalServerError, msgInternal)
	}
}

func parseSubmission(c *fiber.Ctx) (Submission, error) {
	sub := Submission{
		Email:            c.FormValue("email"),
		EmailToken:       c.FormValue("emailToken"),
		DisplayName:      c.FormValue("displayName"),
		PIN:              c.FormValue("pin"),
		Address:          c.FormValue("address"),
		AccountType:      c.FormValue("accountType"),
		BusinessName:     c.FormValue("businessName"),
		BusinessCategory: strings.TrimSpace(c.FormValue("businessCategory")),
		BusinessPhone:    strings.TrimSpace(c.FormValue("businessPhone")),
		BusinessWebsite:  strings.TrimSpace(c.FormValue("businessWebsite")),
	}

	coords := []struct {
		field string
		dst   *float64
	}{
		{"addressLat", &sub.AddressLat},
		{"addressLon", &sub.AddressLon},
		{"liveLat", &sub.LiveLat},
		{"liveLon", &sub.LiveLon},
	}
	for _, f := range coords {
		v, err := strconv.ParseFloat(strings.TrimSpace(c.FormValue(f.field)), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			if strings.HasPrefix(f.field, "live") {
				return Submission{}, invalid(f.field, "Your location could not be read. Please enable location and try again.")
			}
			return Submission{}, invalid(f.field, "We could not locate that address. Please pick it from the suggestions.")
		}
		*f.dst = v
	}

	file, err := c.FormFile("selfie")
	if err != nil {
		return Submission{}, invalid("selfie", "Please take a selfie to verify your account.")
	}
	if file.Size > MaxSelfieBytes {
		return Submission{}, invalid("selfie", "Your selfie is too large. Please retake it.")
	}
	f, err := file.Open()
	if err != nil {
		return Submission{}, invalid("selfie", "Your selfie could not be read. Please retake it.")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, MaxSelfieBytes+1))
	if err != nil {
		return Submission{}, invalid("selfie", "Your selfie could not be read. Please retake it.")
	}
	sub.Selfie = data
	return sub, nil
}
