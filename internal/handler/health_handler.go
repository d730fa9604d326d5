package handler

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/minisource/distsched/internal/scheduler"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db        *gorm.DB
	scheduler *scheduler.Scheduler
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *gorm.DB, sched *scheduler.Scheduler) *HealthHandler {
	return &HealthHandler{db: db, scheduler: sched}
}

// Health reports overall service health, including database connectivity
// and scheduler run state.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	status := fiber.Map{
		"status":    "healthy",
		"scheduler": h.scheduler.State().String(),
	}

	sqlDB, err := h.db.DB()
	if err != nil || sqlDB.Ping() != nil {
		status["status"] = "unhealthy"
		status["database"] = "disconnected"
		return c.Status(fiber.StatusServiceUnavailable).JSON(Response{Success: false, Data: status})
	}
	status["database"] = "connected"

	return Success(c, status)
}

// Ready reports whether the service is ready to accept traffic: the
// scheduler must be started and the database reachable.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	if !h.scheduler.IsRunning() {
		return InternalError(c, "scheduler is not running")
	}
	sqlDB, err := h.db.DB()
	if err != nil || sqlDB.Ping() != nil {
		return InternalError(c, "database connection error")
	}
	return Success(c, fiber.Map{"status": "ready"})
}

// Live reports basic process liveness, independent of dependencies.
func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return Success(c, fiber.Map{"status": "alive"})
}
