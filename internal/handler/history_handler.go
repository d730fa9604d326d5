package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/minisource/distsched/internal/service"
)

// HistoryHandler serves aggregated per-task run history.
type HistoryHandler struct {
	history *service.HistoryService
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(history *service.HistoryService) *HistoryHandler {
	return &HistoryHandler{history: history}
}

// Get returns daily history for the task named by :id, since the optional
// since_days query parameter (default 30).
func (h *HistoryHandler) Get(c *fiber.Ctx) error {
	taskID := c.Params("id")
	if taskID == "" {
		return BadRequest(c, "task id is required")
	}

	sinceDays := c.QueryInt("since_days", 30)
	since := time.Now().AddDate(0, 0, -sinceDays)

	resp, err := h.history.Get(c.Context(), taskID, since)
	if err != nil {
		return InternalError(c, err.Error())
	}
	return Success(c, resp)
}
