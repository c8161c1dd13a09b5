package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/localboard/localboard/internal/geofence"
)

const (
	defaultAppName           = "Localboard"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultEmailTokenTTL     = time.Hour
	defaultSessionTTL        = 30 * 24 * time.Hour
	defaultOTPTTL            = 30 * time.Minute
	defaultGeofenceTolerance = 0.1
	defaultRateLimitBackend  = "redis"
	defaultSessionCookie     = "lb_session"
	idemTTLSecondsEnvVar     = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar         = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar    = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar   = "SHUTDOWN_TIMEOUT"

	// Development-only secrets. Load refuses them outside development.
	devPINSecret        = "dev-pin-secret"
	devEmailTokenSecret = "dev-email-token-secret"
	devSessionSecret    = "dev-session-secret"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	RunMigrations  bool
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	PINSecret        string
	EmailTokenSecret string
	SessionSecret    string
	EmailTokenTTL    time.Duration
	SessionTTL       time.Duration
	SessionCookie    string
	OTPTTL           time.Duration

	GeofenceToleranceMiles float64
	ServiceRegion          geofence.Region

	RateLimitBackend  string
	RateLimitFailOpen bool
	Budgets           Budgets

	S3 S3Config

	AdminEmails      []string
	NotifyAdminEmail string
}

// Budget is a request allowance over a window.
type Budget struct {
	Max    int
	Window time.Duration
}

// Budgets groups the per-action rate limit allowances.
type Budgets struct {
	OTPPerIP       Budget
	OTPPerEmail    Budget
	VerifyOTPPerIP Budget
	LoginPerIP     Budget
	SignupPerIP    Budget
}

// S3Config points the selfie store at an S3 compatible bucket. An empty
// Bucket selects the in-memory store (development only).
type S3Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

// DefaultBudgets are the rate limits applied when no override is configured.
var DefaultBudgets = Budgets{
	OTPPerIP:       Budget{Max: 5, Window: 10 * time.Minute},
	OTPPerEmail:    Budget{Max: 2, Window: 10 * time.Minute},
	VerifyOTPPerIP: Budget{Max: 10, Window: 15 * time.Minute},
	LoginPerIP:     Budget{Max: 10, Window: 15 * time.Minute},
	SignupPerIP:    Budget{Max: 5, Window: time.Hour},
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:                getEnv("APP_NAME", defaultAppName),
		AppEnv:                 strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:                   getEnv("PORT", defaultPort),
		LogLevel:               strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		RunMigrations:          true,
		ShutdownPeriod:         defaultShutdownDelay,
		IdempotencyTTL:         defaultIdempotencyTTL,
		PINSecret:              os.Getenv("PIN_SECRET"),
		EmailTokenSecret:       os.Getenv("EMAIL_TOKEN_SECRET"),
		SessionSecret:          os.Getenv("SESSION_SECRET"),
		EmailTokenTTL:          defaultEmailTokenTTL,
		SessionTTL:             defaultSessionTTL,
		SessionCookie:          getEnv("SESSION_COOKIE", defaultSessionCookie),
		OTPTTL:                 defaultOTPTTL,
		GeofenceToleranceMiles: defaultGeofenceTolerance,
		ServiceRegion:          geofence.DefaultRegion,
		RateLimitBackend:       strings.ToLower(getEnv("RATE_LIMIT_BACKEND", defaultRateLimitBackend)),
		RateLimitFailOpen:      true,
		Budgets:                DefaultBudgets,
		S3: S3Config{
			Endpoint:      os.Getenv("S3_ENDPOINT"),
			Region:        getEnv("S3_REGION", "us-east-1"),
			Bucket:        os.Getenv("S3_BUCKET"),
			AccessKey:     os.Getenv("S3_ACCESS_KEY"),
			SecretKey:     os.Getenv("S3_SECRET_KEY"),
			PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		},
		AdminEmails:      splitList(os.Getenv("ADMIN_EMAILS")),
		NotifyAdminEmail: strings.ToLower(strings.TrimSpace(os.Getenv("NOTIFY_ADMIN_EMAIL"))),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationFromEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationFromEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.EmailTokenTTL, err = durationFromEnv("", "EMAIL_TOKEN_TTL", cfg.EmailTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = durationFromEnv("", "SESSION_TTL", cfg.SessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.OTPTTL, err = durationFromEnv("", "OTP_TTL", cfg.OTPTTL); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("GEOFENCE_TOLERANCE_MILES"); v != "" {
		miles, err := strconv.ParseFloat(v, 64)
		if err != nil || miles <= 0 {
			return Config{}, fmt.Errorf("invalid GEOFENCE_TOLERANCE_MILES: %q", v)
		}
		cfg.GeofenceToleranceMiles = miles
	}
	if v := os.Getenv("SERVICE_REGION"); v != "" {
		region, err := ParseRegion(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVICE_REGION: %w", err)
		}
		cfg.ServiceRegion = region
	}
	if v := os.Getenv("RATE_LIMIT_FAIL_OPEN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RATE_LIMIT_FAIL_OPEN: %w", err)
		}
		cfg.RateLimitFailOpen = b
	}
	if v := os.Getenv("RUN_MIGRATIONS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RUN_MIGRATIONS: %w", err)
		}
		cfg.RunMigrations = b
	}

	switch cfg.RateLimitBackend {
	case "redis", "postgres", "memory":
	default:
		return Config{}, fmt.Errorf("RATE_LIMIT_BACKEND must be redis, postgres or memory, got %q", cfg.RateLimitBackend)
	}

	if err := cfg.applySecrets(); err != nil {
		return Config{}, err
	}

	if !cfg.IsDevelopment() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RateLimitBackend == "redis" && cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
		if cfg.S3.Bucket == "" {
			return Config{}, fmt.Errorf("S3_BUCKET must be set")
		}
	}

	return cfg, nil
}

func (c *Config) applySecrets() error {
	secrets := []struct {
		name  string
		value *string
		dev   string
	}{
		{"PIN_SECRET", &c.PINSecret, devPINSecret},
		{"EMAIL_TOKEN_SECRET", &c.EmailTokenSecret, devEmailTokenSecret},
		{"SESSION_SECRET", &c.SessionSecret, devSessionSecret},
	}
	for _, s := range secrets {
		if *s.value != "" {
			continue
		}
		if !c.IsDevelopment() {
			return fmt.Errorf("%s must be set when APP_ENV=%s", s.name, c.AppEnv)
		}
		*s.value = s.dev
	}
	return nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsProduction reports whether secure cookies and mandatory secrets apply.
func (c Config) IsProduction() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
}

// IsDevelopment reports whether in-memory fallbacks are permitted.
func (c Config) IsDevelopment() bool {
	switch c.AppEnv {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// IsAdminEmail reports whether email was listed in ADMIN_EMAILS.
func (c Config) IsAdminEmail(email string) bool {
	for _, e := range c.AdminEmails {
		if e == email {
			return true
		}
	}
	return false
}

// ParseRegion parses "minLat,maxLat,minLon,maxLon".
func ParseRegion(v string) (geofence.Region, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return geofence.Region{}, fmt.Errorf("expected 4 comma separated values, got %d", len(parts))
	}
	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geofence.Region{}, err
		}
		vals[i] = f
	}
	r := geofence.Region{MinLat: vals[0], MaxLat: vals[1], MinLon: vals[2], MaxLon: vals[3]}
	if r.MinLat >= r.MaxLat || r.MinLon >= r.MaxLon {
		return geofence.Region{}, fmt.Errorf("region bounds are inverted")
	}
	return r, nil
}

func durationFromEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
