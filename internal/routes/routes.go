package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/walletqueue/internal/config"
	"github.com/congo-pay/walletqueue/internal/metrics"
	"github.com/congo-pay/walletqueue/internal/middleware"
	"github.com/congo-pay/walletqueue/internal/payments"
	"github.com/congo-pay/walletqueue/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Rabbit   *amqp.Connection
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Payments *payments.Service
	Wallets  *wallet.Service
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))
	app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))

	RegisterHealthRoutes(app, d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	submitLimit := middleware.RateLimit(d.Cache, "submit", d.Cfg.SubmitRateLimit, middleware.WalletFromBody, d.Logger)
	RegisterTransactionRoutes(api, payments.NewHandler(d.Payments), submitLimit)
	RegisterWalletRoutes(api, wallet.NewHandler(d.Wallets), middleware.OperatorAuth(d.Cfg.OperatorTokenHash, d.Logger))
}
