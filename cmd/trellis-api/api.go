// Package main provides the Trellis API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/trellis-ml/trellis/pkg/compiler"
	"github.com/trellis-ml/trellis/pkg/eventbus"
	"github.com/trellis-ml/trellis/pkg/persistence"
	"github.com/trellis-ml/trellis/pkg/registry"
	"github.com/trellis-ml/trellis/pkg/services"
	"github.com/trellis-ml/trellis/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Store
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Store,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		persistence: persistence,
		logger:      logger,
		registry:    registry,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	deploymentService := services.NewDeployment(a.persistence, compiler.NewCompiler(a.logger))
	runService := services.NewRun(a.persistence, a.eventBus)
	stackService := services.NewStack(a.persistence, a.registry)

	handlers := web.NewAPIHandlers(deploymentService, runService, stackService, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Trellis API")
	})

	d := app.Group("/deployments")
	d.Get("/", handlers.GetDeployments)
	d.Post("/", handlers.CreateDeployment)
	d.Get("/:id", handlers.GetDeployment)
	d.Post("/:id/runs", handlers.TriggerRun)

	r := app.Group("/runs")
	r.Get("/", handlers.GetRuns)
	r.Get("/:id", handlers.GetRun)
	r.Get("/:id/steps", handlers.GetRunSteps)

	s := app.Group("/stacks")
	s.Get("/", handlers.GetStacks)
	s.Post("/", handlers.SaveStack)
	s.Get("/:id", handlers.GetStack)

	app.Get("/backends", handlers.GetBackends)
	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
