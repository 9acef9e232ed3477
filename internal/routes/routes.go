package routes

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/staykeep/payouts/internal/config"
	"github.com/staykeep/payouts/internal/distribution"
	"github.com/staykeep/payouts/internal/gateway"
	"github.com/staykeep/payouts/internal/ledger"
	"github.com/staykeep/payouts/internal/middleware"
	"github.com/staykeep/payouts/internal/notification"
	"github.com/staykeep/payouts/internal/payout"
	"github.com/staykeep/payouts/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes. Gateways and Notifier are
// optional; they default to the configured providers and a logging notifier.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Gateways *gateway.Registry
	Notifier notification.Notifier
}

// Services exposes the wired domain services to the process that owns them.
type Services struct {
	Ledger        ledger.Store
	Wallets       *wallet.Service
	Payouts       *payout.Orchestrator
	Distributions *distribution.Engine
	SQL           *sql.DB
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Services, error) {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "UTC",
	}))
	app.Use(middleware.Metrics())
	app.Use(middleware.Audit(d.Logger))

	svc, err := buildServices(d)
	if err != nil {
		return nil, err
	}

	RegisterHealthRoutes(app, d)
	RegisterMetricsRoute(app)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	walletHandler := wallet.NewHandler(svc.Wallets)
	payoutHandler := payout.NewHandler(svc.Payouts)
	distributionHandler := distribution.NewHandler(svc.Distributions)

	// Account routes act on the token subject.
	account := api.Group("/wallet", middleware.AccountAuth([]byte(d.Cfg.JWTSecret)))
	RegisterWalletRoutes(account, walletHandler)
	// Replays of a stored response are answered before the rate limit counts them.
	RegisterWithdrawalRoutes(account, payoutHandler,
		middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger),
		middleware.WithdrawalRateLimit(d.Cache, d.Cfg.WithdrawalsPerMinute),
	)

	admin := api.Group("/admin", middleware.AdminKey(d.Cfg.AdminKeyHash))
	RegisterWalletRoutes(admin.Group("/accounts/:accountId"), walletHandler)
	RegisterAdminWithdrawalRoutes(admin, payoutHandler)
	RegisterDistributionRoutes(admin, distributionHandler,
		middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger),
	)

	return svc, nil
}

func buildServices(d Deps) (*Services, error) {
	gateways := d.Gateways
	if gateways == nil {
		var err error
		if gateways, err = gateway.FromConfig(d.Cfg, d.Logger); err != nil {
			return nil, fmt.Errorf("configure gateways: %w", err)
		}
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}

	svc := &Services{}
	var (
		runs    distribution.RunStore
		weights distribution.WeightSource
	)
	if d.DB != nil {
		svc.Ledger = ledger.NewPostgresStore(d.DB)
		svc.SQL = stdlib.OpenDBFromPool(d.DB)
		runs = distribution.NewSQLRunStore(svc.SQL)
		weights = distribution.NewSQLWeightSource(svc.SQL)
	} else {
		svc.Ledger = ledger.NewInMemory()
		runs = distribution.NewMemoryRunStore()
	}

	svc.Wallets = wallet.NewService(svc.Ledger, d.Logger)
	svc.Payouts = payout.NewOrchestrator(svc.Ledger, svc.Wallets, gateways, notifier, d.Logger, payout.Options{
		MinWithdrawal: d.Cfg.MinWithdrawal,
	})
	svc.Distributions = distribution.NewEngine(svc.Wallets, runs, weights, notifier, d.Logger)
	return svc, nil
}
