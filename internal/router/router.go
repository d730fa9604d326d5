// Package router wires the HTTP surface over the scheduler's public API,
// grounded on the teacher's internal/router/router.go (Fiber + cors +
// requestid + recover middleware, one route group per resource).
package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/minisource/distsched/internal/handler"
)

// Handlers bundles every HTTP handler the router dispatches to.
type Handlers struct {
	Schedule *handler.ScheduleHandler
	Job      *handler.JobHandler
	History  *handler.HistoryHandler
	Health   *handler.HealthHandler
}

// Setup configures app's middleware and routes.
func Setup(app *fiber.App, h *Handlers) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} - ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Request-ID",
	}))

	app.Get("/health", h.Health.Health)
	app.Get("/ready", h.Health.Ready)
	app.Get("/live", h.Health.Live)

	v1 := app.Group("/api/v1")

	schedules := v1.Group("/schedules")
	schedules.Post("/", h.Schedule.Create)
	schedules.Get("/:id", h.Schedule.Get)
	schedules.Delete("/:id", h.Schedule.Delete)

	jobs := v1.Group("/jobs")
	jobs.Post("/", h.Job.Create)
	jobs.Post("/run", h.Job.Run)
	jobs.Get("/:id/result", h.Job.Result)

	tasks := v1.Group("/tasks")
	tasks.Get("/:id/history", h.History.Get)
}
