package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/localboard/localboard/internal/metrics"
	"github.com/localboard/localboard/internal/notification"
)

// DefaultTTL is how long an issued code stays valid.
const DefaultTTL = 30 * time.Minute

const codeLength = 6

// ErrInvalidCode covers wrong, expired, used and malformed codes alike.
var ErrInvalidCode = errors.New("invalid or expired code")

// Generator produces a six digit code.
type Generator func() (string, error)

// RandomCode draws a uniformly random code in 000000..999999.
func RandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Service issues and verifies one-time sign-in codes.
type Service struct {
	repo     Repository
	notifier notification.Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	ttl      time.Duration
	generate Generator
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithGenerator replaces RandomCode.
func WithGenerator(g Generator) Option {
	return func(s *Service) { s.generate = g }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records issue and verification outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService constructs the code service.
func NewService(repo Repository, notifier notification.Notifier, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		ttl:      DefaultTTL,
		generate: RandomCode,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a new code for email and hands it to the notifier. Earlier
// codes stay valid until their own expiry. A delivery failure is logged and
// the code is still returned.
func (s *Service) Issue(ctx context.Context, email string) (string, error) {
	code, err := s.generate()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	now := s.now()
	rec := Record{
		Email:     email,
		CodeHash:  hashCode(email, code),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	s.metrics.IncOTPIssued()

	if s.notifier != nil {
		msg := notification.Message{
			Kind:        notification.KindOTP,
			Destination: email,
			Subject:     "Your sign-in code",
			Body:        fmt.Sprintf("Your code is %s. It expires in %d minutes.", code, int(s.ttl.Minutes())),
		}
		if err := s.notifier.Send(ctx, msg); err != nil {
			s.logger.Warn("otp delivery failed", slog.String("email", email), slog.Any("error", err))
		}
	}
	return code, nil
}

// Verify consumes a matching code. Any failure is reported as
// ErrInvalidCode, except infrastructure errors which are wrapped.
func (s *Service) Verify(ctx context.Context, email, code string) error {
	if !validCode(code) {
		s.metrics.OTPVerification("malformed")
		return ErrInvalidCode
	}
	_, err := s.repo.Consume(ctx, email, hashCode(email, code), s.now())
	switch {
	case errors.Is(err, ErrNoMatch):
		s.metrics.OTPVerification("rejected")
		return ErrInvalidCode
	case err != nil:
		s.metrics.OTPVerification("error")
		return fmt.Errorf("consume code: %w", err)
	}
	s.metrics.OTPVerification("accepted")
	return nil
}

// Purge deletes expired and used codes.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	return s.repo.Purge(ctx, s.now())
}

func validCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hashCode(email, code string) string {
	sum := sha256.Sum256([]byte(email + ":" + code))
	return hex.EncodeToString(sum[:])
}
