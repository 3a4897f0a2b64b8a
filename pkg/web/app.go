package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp mounts the API routes on a fiber application.
func NewApp(handlers *APIHandlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Experiment Orchestrator API")
	})

	e := app.Group("/experiments")
	e.Post("/:id/launch", handlers.LaunchExperiment)
	e.Get("/:id/statuses", handlers.GetJobStatuses)

	w := app.Group("/workflows")
	w.Get("/:handle", handlers.GetWorkflow)
	w.Post("/:handle/cancel", handlers.CancelWorkflow)

	app.Get("/health", handlers.HealthCheck)

	return app
}
