package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/metrics"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/dukex/chatflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	automation  *services.Automation
	publisher   eventbus.EventPublisher
	metrics     *metrics.Metrics
	validate    *validator.Validate
}

// NewAPI builds the API server. A nil publisher processes inbound messages
// in the request instead of queueing them for the worker.
func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	automation *services.Automation,
	publisher eventbus.EventPublisher,
	m *metrics.Metrics,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		automation:  automation,
		publisher:   publisher,
		metrics:     m,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	flows := services.NewFlows(a.logger, a.persistence.FlowRepository())
	handlers := web.NewAPIHandlers(a.logger, flows, a.automation, a.persistence, a.publisher, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Chatflow API")
	})

	if a.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(a.metrics.Handler()))
	}

	handlers.RegisterRoutes(app)

	return app
}

// Start serves until ctx is cancelled.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		if err := app.Shutdown(); err != nil {
			a.logger.Error("Failed to shut down API server", "error", err)
		}
	}()

	return app.Listen(":" + strconv.Itoa(port))
}
