package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/localboard/localboard/internal/config"
	"github.com/localboard/localboard/internal/middleware"
	"github.com/localboard/localboard/internal/routes"
	"github.com/localboard/localboard/internal/signup"
	"github.com/localboard/localboard/internal/storage"
)

// bodyLimit leaves room for the multipart envelope around a full-size selfie.
const bodyLimit = signup.MaxSelfieBytes + 1<<20

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app *fiber.App
	cfg config.Config
}

// Options carries the optional collaborators built by main.
type Options struct {
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Registry *prometheus.Registry
	Blob     storage.Blob
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, opts Options, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		BodyLimit:    bodyLimit,
		ErrorHandler: middleware.ErrorHandler(logger),
	})

	if err := routes.Setup(app, routes.Deps{
		Cfg:      cfg,
		DB:       opts.DB,
		Cache:    opts.Cache,
		Logger:   logger,
		Registry: opts.Registry,
		Blob:     opts.Blob,
	}); err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg}, nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
