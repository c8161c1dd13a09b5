package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/localboard/localboard/internal/auth"
	"github.com/localboard/localboard/internal/config"
	"github.com/localboard/localboard/internal/geofence"
	"github.com/localboard/localboard/internal/identity"
	"github.com/localboard/localboard/internal/logging"
	"github.com/localboard/localboard/internal/metrics"
	"github.com/localboard/localboard/internal/middleware"
	"github.com/localboard/localboard/internal/notification"
	"github.com/localboard/localboard/internal/otp"
	"github.com/localboard/localboard/internal/ratelimit"
	"github.com/localboard/localboard/internal/signup"
	"github.com/localboard/localboard/internal/storage"
)

// Deps aggregates shared dependencies required to wire routes. Nil
// collaborators fall back to in-memory implementations, which Setup only
// permits in development.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Blob     storage.Blob
	Notifier notification.Notifier

	// OTPGenerator and Now replace randomness and the wall clock in tests.
	OTPGenerator otp.Generator
	Now          func() time.Time
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis/blob presence outside of dev, even though config also checks.
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cfg.RateLimitBackend == "redis" && d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Blob == nil {
			return fmt.Errorf("blob storage is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(logging.Component(d.Logger, "http")))

	m := metrics.New(d.Registry)

	// Health and metrics
	RegisterHealthRoutes(app, d)
	RegisterMetricsRoute(app, d.Registry)

	// Stores
	var (
		identityRepo identity.Repository
		otpRepo      otp.Repository
	)
	if d.DB != nil {
		identityRepo = identity.NewPostgresRepository(d.DB)
		otpRepo = otp.NewPostgresRepository(d.DB)
	} else {
		identityRepo = identity.NewMemoryRepository()
		otpRepo = otp.NewMemoryRepository()
	}
	limitStore, err := rateLimitStore(d)
	if err != nil {
		return err
	}
	blob := d.Blob
	if blob == nil {
		blob = storage.NewMemoryBlob("/blobs")
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(logging.Component(d.Logger, "notification"))
	}

	// Services and handlers
	limiter := ratelimit.New(limitStore, d.Cfg.RateLimitFailOpen, logging.Component(d.Logger, "ratelimit"), m)
	budgets := budgetsFrom(d.Cfg.Budgets)
	codec := auth.NewCodec(d.Cfg.EmailTokenSecret, d.Cfg.SessionSecret, d.Cfg.EmailTokenTTL, d.Cfg.SessionTTL, d.Now)

	otpOpts := []otp.Option{otp.WithTTL(d.Cfg.OTPTTL), otp.WithMetrics(m), otp.WithClock(d.Now)}
	if d.OTPGenerator != nil {
		otpOpts = append(otpOpts, otp.WithGenerator(d.OTPGenerator))
	}
	otpSvc := otp.NewService(otpRepo, notifier, logging.Component(d.Logger, "otp"), otpOpts...)

	authSvc, err := auth.NewService(identityRepo, otpSvc, codec, d.Cfg.PINSecret, logging.Component(d.Logger, "auth"), m)
	if err != nil {
		return err
	}
	guard := middleware.NewSessionGuard(codec, identityRepo, middleware.CookieConfig{
		Name:   d.Cfg.SessionCookie,
		Secure: d.Cfg.IsProduction(),
		MaxAge: d.Cfg.SessionTTL,
	}, logging.Component(d.Logger, "session"))

	authHandler := auth.NewHandler(authSvc, guard, limiter, auth.Limits{
		OTPPerIP:       budgets.otpPerIP,
		OTPPerEmail:    budgets.otpPerEmail,
		VerifyOTPPerIP: budgets.verifyOTPPerIP,
		LoginPerIP:     budgets.loginPerIP,
	}, logging.Component(d.Logger, "auth"))

	orchestrator := signup.New(signup.Deps{
		Identities:       identityRepo,
		Codec:            codec,
		Verifier:         geofence.NewVerifier(d.Cfg.GeofenceToleranceMiles, d.Cfg.ServiceRegion),
		Blob:             blob,
		Notifier:         notifier,
		PINSecret:        authSvc.PINSecret(),
		IsAdminEmail:     d.Cfg.IsAdminEmail,
		AdminNotifyEmail: d.Cfg.NotifyAdminEmail,
		Logger:           logging.Component(d.Logger, "signup"),
		Metrics:          m,
		Now:              d.Now,
	})
	signupHandler := signup.NewHandler(orchestrator, guard, logging.Component(d.Logger, "signup"))

	RegisterAuthRoutes(app, authHandler, signupHandler,
		middleware.RateLimit(limiter, budgets.signupPerIP, middleware.ClientIP),
		middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger),
	)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Protected routes
	protected := api.Group("", guard.Require())
	RegisterMeRoute(protected)

	return nil
}

func rateLimitStore(d Deps) (ratelimit.Store, error) {
	switch d.Cfg.RateLimitBackend {
	case "redis":
		if d.Cache != nil {
			return ratelimit.NewRedisStore(d.Cache), nil
		}
	case "postgres":
		if d.DB != nil {
			return ratelimit.NewPostgresStore(d.DB), nil
		}
	case "memory", "":
		return ratelimit.NewMemoryStore(nil), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", d.Cfg.RateLimitBackend)
	}
	if !d.Cfg.IsDevelopment() {
		return nil, fmt.Errorf("rate limit backend %q is not available", d.Cfg.RateLimitBackend)
	}
	d.Logger.Warn("rate limit backend unavailable, using memory store", slog.String("backend", d.Cfg.RateLimitBackend))
	return ratelimit.NewMemoryStore(nil), nil
}

type namedBudgets struct {
	otpPerIP       ratelimit.Budget
	otpPerEmail    ratelimit.Budget
	verifyOTPPerIP ratelimit.Budget
	loginPerIP     ratelimit.Budget
	signupPerIP    ratelimit.Budget
}

func budgetsFrom(b config.Budgets) namedBudgets {
	named := func(name string, cb config.Budget) ratelimit.Budget {
		return ratelimit.Budget{Name: name, Max: cb.Max, Window: cb.Window}
	}
	return namedBudgets{
		otpPerIP:       named("otp", b.OTPPerIP),
		otpPerEmail:    named("otp-email", b.OTPPerEmail),
		verifyOTPPerIP: named("verify-otp", b.VerifyOTPPerIP),
		loginPerIP:     named("login", b.LoginPerIP),
		signupPerIP:    named("signup", b.SignupPerIP),
	}
}
