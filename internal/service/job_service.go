package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/minisource/distsched/internal/scheduler"
)

// AddJobRequest is the wire shape accepted by POST /jobs.
type AddJobRequest struct {
	TaskID string          `json:"task_id"`
	Args   json.RawMessage `json:"args,omitempty"`
	Kwargs json.RawMessage `json:"kwargs,omitempty"`
	Tags   []string        `json:"tags,omitempty"`
}

// JobResultResponse is the wire shape returned by GET /jobs/{id}/result.
type JobResultResponse struct {
	JobID       uuid.UUID       `json:"job_id"`
	Outcome     string          `json:"outcome"`
	ReturnValue json.RawMessage `json:"return_value,omitempty"`
	Exception   string          `json:"exception,omitempty"`
}

// JobService exposes the scheduler's job-management API to the HTTP layer.
type JobService struct {
	scheduler *scheduler.Scheduler
}

// NewJobService wraps sched for HTTP handlers.
func NewJobService(sched *scheduler.Scheduler) *JobService {
	return &JobService{scheduler: sched}
}

// Add enqueues a job directly, bypassing the scheduling loop.
func (s *JobService) Add(ctx context.Context, req AddJobRequest) (uuid.UUID, error) {
	return s.scheduler.AddJob(ctx, req.TaskID, scheduler.AddJobOptions{
		Args:   req.Args,
		Kwargs: req.Kwargs,
		Tags:   req.Tags,
	})
}

// Result fetches a job's outcome, optionally waiting up to timeout for an
// in-flight job to finish.
func (s *JobService) Result(ctx context.Context, jobID uuid.UUID, wait time.Duration) (*JobResultResponse, error) {
	waitCtx := ctx
	blocking := wait > 0
	if blocking {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	result, err := s.scheduler.GetJobResult(waitCtx, jobID, blocking)
	if err != nil {
		return nil, err
	}

	return &JobResultResponse{
		JobID:       result.JobID,
		Outcome:     string(result.Outcome),
		ReturnValue: result.ReturnValue,
		Exception:   result.Exception,
	}, nil
}

// Run enqueues a job and blocks until it completes, returning its return
// value or a translated error.
func (s *JobService) Run(ctx context.Context, req AddJobRequest) (json.RawMessage, error) {
	return s.scheduler.RunJob(ctx, req.TaskID, scheduler.AddJobOptions{
		Args:   req.Args,
		Kwargs: req.Kwargs,
		Tags:   req.Tags,
	})
}
