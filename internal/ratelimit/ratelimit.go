// Package ratelimit enforces per-key request budgets against a shared
// counter store.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/localboard/localboard/internal/metrics"
)

// Store performs one atomic hit against the counter for key. It starts a
// fresh window when the previous one has elapsed and returns the count
// after the increment.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Budget is a named allowance. The name prefixes every key charged to it.
type Budget struct {
	Name   string
	Max    int
	Window time.Duration
}

// Key builds the composite counter key for one identity (an IP, an email,
// a user id).
func (b Budget) Key(identity string) string {
	return b.Name + ":" + strings.ToLower(strings.TrimSpace(identity))
}

// Check pairs a budget with the identity it is charged to.
type Check struct {
	Budget   Budget
	Identity string
}

// Limiter applies budgets. When the store fails, the decision falls back to
// FailOpen.
type Limiter struct {
	store    Store
	failOpen bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New builds a Limiter over store.
func New(store Store, failOpen bool, logger *slog.Logger, m *metrics.Metrics) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, failOpen: failOpen, logger: logger, metrics: m}
}

// Allow charges one request to key and reports whether the post-increment
// count is within max.
func (l *Limiter) Allow(ctx context.Context, key string, max int, window time.Duration) bool {
	name := key
	if i := strings.IndexByte(key, ':'); i > 0 {
		name = key[:i]
	}
	return l.allow(ctx, name, key, max, window)
}

// AllowBudget charges identity against b.
func (l *Limiter) AllowBudget(ctx context.Context, b Budget, identity string) bool {
	return l.allow(ctx, b.Name, b.Key(identity), b.Max, b.Window)
}

// AllowAll charges every check and reports whether all of them passed.
// Every budget is charged even after one fails so that each keeps an
// accurate count.
func (l *Limiter) AllowAll(ctx context.Context, checks ...Check) bool {
	ok := true
	for _, c := range checks {
		if !l.AllowBudget(ctx, c.Budget, c.Identity) {
			ok = false
		}
	}
	return ok
}

func (l *Limiter) allow(ctx context.Context, name, key string, max int, window time.Duration) bool {
	count, err := l.store.Hit(ctx, key, window)
	if err != nil {
		l.metrics.RateLimitStoreError()
		l.logger.Warn("rate limit store unavailable",
			slog.String("budget", name),
			slog.Bool("fail_open", l.failOpen),
			slog.Any("error", err),
		)
		return l.failOpen
	}
	allowed := count <= int64(max)
	l.metrics.RateLimitDecision(name, allowed)
	if !allowed {
		l.logger.Info("rate limit exceeded", slog.String("budget", name), slog.Int64("count", count), slog.Int("max", max))
	}
	return allowed
}
