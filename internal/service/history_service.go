package service

import (
	"context"
	"time"

	"github.com/minisource/distsched/internal/models"
	"github.com/minisource/distsched/internal/scheduler"
)

// TaskHistoryResponse is the wire shape returned by GET /tasks/{id}/history.
type TaskHistoryResponse struct {
	TaskID string                        `json:"task_id"`
	Days   []models.JobHistory           `json:"days"`
	Totals models.AggregatedHistoryStats `json:"totals"`
}

// HistoryService exposes daily job-outcome rollups to the HTTP layer.
type HistoryService struct {
	scheduler *scheduler.Scheduler
}

// NewHistoryService wraps sched for HTTP handlers.
func NewHistoryService(sched *scheduler.Scheduler) *HistoryService {
	return &HistoryService{scheduler: sched}
}

// Get returns per-day history for taskID since the given date, along with
// totals aggregated across those days.
func (s *HistoryService) Get(ctx context.Context, taskID string, since time.Time) (*TaskHistoryResponse, error) {
	days, err := s.scheduler.GetTaskHistory(ctx, taskID, since)
	if err != nil {
		return nil, err
	}

	resp := &TaskHistoryResponse{TaskID: taskID}
	for _, d := range days {
		resp.Days = append(resp.Days, *d)
		resp.Totals.TotalRuns += d.TotalRuns
		resp.Totals.SuccessCount += d.SuccessCount
		resp.Totals.FailureCount += d.FailureCount
	}
	if resp.Totals.TotalRuns > 0 {
		resp.Totals.SuccessRate = float64(resp.Totals.SuccessCount) / float64(resp.Totals.TotalRuns)
	}
	return resp, nil
}
