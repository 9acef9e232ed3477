package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/staykeep/payouts/internal/config"
	"github.com/staykeep/payouts/internal/routes"
	"github.com/staykeep/payouts/internal/scheduler"
)

// Server wraps the Fiber application, the reconciliation scheduler and shared
// dependencies.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	services *routes.Services
	sched    *scheduler.Scheduler
	logger   *slog.Logger
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	services, err := routes.Setup(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger})
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(cfg.ReconcileSchedule, services.Payouts, cfg.ReconcileAfter, logger)
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, services: services, sched: sched, logger: logger}, nil
}

// Listen starts the reconciliation scheduler and the HTTP server.
func (s *Server) Listen() error {
	s.sched.Start()
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server, then waits for a running sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.sched.Stop(ctx)
	if s.services.SQL != nil {
		if cerr := s.services.SQL.Close(); cerr != nil {
			s.logger.Warn("close sql handle", slog.Any("error", cerr))
		}
	}
	return err
}
