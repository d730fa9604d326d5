package handler

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/minisource/distsched/internal/scheduler"
	"github.com/minisource/distsched/internal/service"
)

// JobHandler handles job-related HTTP requests.
type JobHandler struct {
	jobs *service.JobService
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobs *service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Create enqueues a job directly.
func (h *JobHandler) Create(c *fiber.Ctx) error {
	var req service.AddJobRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "invalid request body")
	}
	if req.TaskID == "" {
		return BadRequest(c, "task_id is required")
	}

	id, err := h.jobs.Add(c.Context(), req)
	if err != nil {
		return InternalError(c, err.Error())
	}
	return Created(c, fiber.Map{"job_id": id})
}

// Result retrieves a job's outcome, waiting up to the wait_seconds query
// parameter (default 0, meaning "return immediately") for it to finish.
func (h *JobHandler) Result(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return BadRequest(c, "invalid job id")
	}

	wait := time.Duration(c.QueryInt("wait_seconds", 0)) * time.Second

	result, err := h.jobs.Result(c.Context(), id, wait)
	if err != nil {
		if errors.Is(err, scheduler.ErrLookup) {
			return NotFound(c, "job result not available")
		}
		return InternalError(c, err.Error())
	}
	return Success(c, result)
}

// Run enqueues a job and blocks until it completes, per request context
// deadline.
func (h *JobHandler) Run(c *fiber.Ctx) error {
	var req service.AddJobRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "invalid request body")
	}
	if req.TaskID == "" {
		return BadRequest(c, "task_id is required")
	}

	returnValue, err := h.jobs.Run(c.Context(), req)
	if err != nil {
		return InternalError(c, err.Error())
	}
	return Success(c, fiber.Map{"return_value": returnValue})
}
