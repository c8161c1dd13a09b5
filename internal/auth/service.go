package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/localboard/localboard/internal/identity"
	"github.com/localboard/localboard/internal/metrics"
	"github.com/localboard/localboard/internal/otp"
)

var (
	// ErrInvalidCredentials is returned for any failed PIN login. It does not
	// reveal whether the email exists.
	ErrInvalidCredentials = errors.New("Invalid email or PIN.")
	// ErrAccountSuspended is returned for banned accounts.
	ErrAccountSuspended = errors.New("This account has been suspended.")
	// ErrUnauthenticated means the request carries no usable session.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Verification outcomes.
const (
	StatusNeedsProfile = "needs_profile"
	StatusLoggedIn     = "logged_in"
)

// VerifyResult is the outcome of a successful code verification. A new or
// unfinished identity gets an email-possession token; a complete one gets a
// session.
type VerifyResult struct {
	Status     string
	EmailToken string
	Identity   identity.Identity
	Session    string
}

// Service runs the credential side of authentication: one-time codes, PIN
// login and PIN changes.
type Service struct {
	ids       identity.Repository
	otps      *otp.Service
	codec     *Codec
	pinSecret []byte
	logger    *slog.Logger
	metrics   *metrics.Metrics

	dummySalt []byte
	dummyHash []byte
}

// NewService wires the authentication service.
func NewService(ids identity.Repository, otps *otp.Service, codec *Codec, pinSecret string, logger *slog.Logger, m *metrics.Metrics) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	secret := []byte(pinSecret)
	return &Service{
		ids:       ids,
		otps:      otps,
		codec:     codec,
		pinSecret: secret,
		logger:    logger,
		metrics:   m,
		dummySalt: salt,
		dummyHash: HashCredential("000000", secret, salt),
	}, nil
}

// Codec exposes the token codec used for sessions.
func (s *Service) Codec() *Codec { return s.codec }

// PINSecret returns the server-wide credential pepper.
func (s *Service) PINSecret() []byte { return s.pinSecret }

// SendOTP issues a code for email. The caller applies rate limits first.
func (s *Service) SendOTP(ctx context.Context, email string) error {
	_, err := s.otps.Issue(ctx, email)
	return err
}

// VerifyOTP consumes the code and decides where the client goes next.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (VerifyResult, error) {
	if err := s.otps.Verify(ctx, email, code); err != nil {
		return VerifyResult{}, err
	}

	existing, err := s.ids.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return VerifyResult{Status: StatusNeedsProfile, EmailToken: s.codec.SignEmailToken(email)}, nil
	case err != nil:
		return VerifyResult{}, fmt.Errorf("lookup identity: %w", err)
	}

	if !existing.IsComplete() {
		return VerifyResult{Status: StatusNeedsProfile, EmailToken: s.codec.SignEmailToken(email)}, nil
	}
	if existing.Banned {
		return VerifyResult{}, ErrAccountSuspended
	}
	return VerifyResult{
		Status:   StatusLoggedIn,
		Identity: existing,
		Session:  s.codec.SignSession(existing.ID),
	}, nil
}

// Login checks an email and PIN and returns the identity with a fresh
// session token. Unknown emails still pay for one hash computation.
func (s *Service) Login(ctx context.Context, email, pin string) (identity.Identity, string, error) {
	if ValidatePIN(pin) != nil {
		s.metrics.Login("rejected")
		return identity.Identity{}, "", ErrInvalidCredentials
	}

	user, err := s.ids.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		s.metrics.Login("error")
		return identity.Identity{}, "", fmt.Errorf("lookup identity: %w", err)
	}
	if err != nil || !user.IsComplete() {
		VerifyCredential(pin, s.pinSecret, s.dummySalt, s.dummyHash)
		s.metrics.Login("rejected")
		return identity.Identity{}, "", ErrInvalidCredentials
	}
	if !VerifyCredential(pin, s.pinSecret, user.PINSalt, user.PINHash) {
		s.metrics.Login("rejected")
		return identity.Identity{}, "", ErrInvalidCredentials
	}
	if user.Banned {
		s.metrics.Login("suspended")
		return identity.Identity{}, "", ErrAccountSuspended
	}

	s.metrics.Login("accepted")
	s.logger.Info("login succeeded", slog.Int64("user_id", user.ID))
	return user, s.codec.SignSession(user.ID), nil
}

// SetPIN replaces the caller's PIN. When a PIN already exists the current
// one must be presented.
func (s *Service) SetPIN(ctx context.Context, user identity.Identity, currentPIN, newPIN string) error {
	if err := ValidatePIN(newPIN); err != nil {
		return err
	}
	if user.HasCredential() && !VerifyCredential(currentPIN, s.pinSecret, user.PINSalt, user.PINHash) {
		return ErrInvalidCredentials
	}
	salt, err := NewSalt()
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	if err := s.ids.SetCredential(ctx, user.ID, HashCredential(newPIN, s.pinSecret, salt), salt); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	s.logger.Info("pin changed", slog.Int64("user_id", user.ID))
	return nil
}
