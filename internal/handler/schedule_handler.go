package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/minisource/distsched/internal/service"
	"github.com/minisource/distsched/internal/store"
)

// ScheduleHandler handles schedule-related HTTP requests.
type ScheduleHandler struct {
	schedules *service.ScheduleService
}

// NewScheduleHandler creates a new schedule handler.
func NewScheduleHandler(schedules *service.ScheduleService) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules}
}

// Create adds a new schedule.
func (h *ScheduleHandler) Create(c *fiber.Ctx) error {
	var req service.CreateScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "invalid request body")
	}
	if req.TaskID == "" {
		return BadRequest(c, "task_id is required")
	}

	sched, err := h.schedules.Create(c.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Conflict(c, err.Error())
		}
		return BadRequest(c, err.Error())
	}
	return Created(c, sched)
}

// Get retrieves a schedule by id.
func (h *ScheduleHandler) Get(c *fiber.Ctx) error {
	id := c.Params("id")
	sched, err := h.schedules.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFound(c, "schedule not found")
		}
		return InternalError(c, err.Error())
	}
	return Success(c, sched)
}

// Delete removes a schedule by id.
func (h *ScheduleHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.schedules.Remove(c.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFound(c, "schedule not found")
		}
		return InternalError(c, err.Error())
	}
	return NoContent(c)
}
