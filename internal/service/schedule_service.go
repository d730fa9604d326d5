// Package service is the thin request/response translation layer over
// internal/scheduler.Scheduler, grounded on the teacher's handler-service
// split (internal/service/job_service.go): handlers parse HTTP, services
// translate DTOs and delegate the actual scheduling work to the core.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minisource/distsched/internal/models"
	"github.com/minisource/distsched/internal/scheduler"
	"github.com/minisource/distsched/internal/trigger"
)

// CreateScheduleRequest is the wire shape accepted by POST /schedules.
type CreateScheduleRequest struct {
	ID               string                `json:"id,omitempty"`
	TaskID           string                `json:"task_id"`
	Trigger          TriggerRequest        `json:"trigger"`
	Args             json.RawMessage       `json:"args,omitempty"`
	Kwargs           json.RawMessage       `json:"kwargs,omitempty"`
	Coalesce         models.CoalescePolicy `json:"coalesce,omitempty"`
	MisfireGraceSecs *float64              `json:"misfire_grace_time,omitempty"`
	MaxJitterSecs    *float64              `json:"max_jitter,omitempty"`
	Tags             []string              `json:"tags,omitempty"`
	ConflictPolicy   models.ConflictPolicy `json:"conflict_policy,omitempty"`
}

// TriggerRequest describes one of the three shipped trigger kinds. Exactly
// one of Cron/IntervalSeconds/At must be set, selected by Kind.
type TriggerRequest struct {
	Kind            string `json:"kind"`
	Cron            string `json:"cron,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	At              string `json:"at,omitempty"`
}

func (r TriggerRequest) build() (trigger.Trigger, error) {
	switch r.Kind {
	case trigger.KindCron:
		return trigger.NewCron(r.Cron, r.Timezone, time.Time{})
	case trigger.KindInterval:
		if r.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("service: interval trigger requires a positive interval_seconds")
		}
		return trigger.NewInterval(time.Duration(r.IntervalSeconds)*time.Second, time.Time{})
	case trigger.KindOnce:
		at, err := time.Parse(time.RFC3339, r.At)
		if err != nil {
			return nil, fmt.Errorf("service: parsing once trigger's at: %w", err)
		}
		return trigger.NewOnce(at), nil
	default:
		return nil, fmt.Errorf("service: unknown trigger kind %q", r.Kind)
	}
}

// ScheduleService exposes the scheduler's schedule-management API to the
// HTTP layer.
type ScheduleService struct {
	scheduler *scheduler.Scheduler
}

// NewScheduleService wraps sched for HTTP handlers.
func NewScheduleService(sched *scheduler.Scheduler) *ScheduleService {
	return &ScheduleService{scheduler: sched}
}

// Create adds a new schedule, resolving the request's trigger and task id.
func (s *ScheduleService) Create(ctx context.Context, req CreateScheduleRequest) (*models.Schedule, error) {
	trig, err := req.Trigger.build()
	if err != nil {
		return nil, err
	}

	var misfireGrace *time.Duration
	if req.MisfireGraceSecs != nil {
		d := time.Duration(*req.MisfireGraceSecs * float64(time.Second))
		misfireGrace = &d
	}
	var maxJitter *time.Duration
	if req.MaxJitterSecs != nil {
		d := time.Duration(*req.MaxJitterSecs * float64(time.Second))
		maxJitter = &d
	}

	id, err := s.scheduler.AddSchedule(ctx, req.TaskID, trig, scheduler.AddScheduleOptions{
		ID:               req.ID,
		Args:             req.Args,
		Kwargs:           req.Kwargs,
		Coalesce:         req.Coalesce,
		MisfireGraceTime: misfireGrace,
		MaxJitter:        maxJitter,
		Tags:             req.Tags,
		ConflictPolicy:   req.ConflictPolicy,
	})
	if err != nil {
		return nil, err
	}

	return s.scheduler.GetSchedule(ctx, id)
}

// Get retrieves one schedule by id.
func (s *ScheduleService) Get(ctx context.Context, id string) (*models.Schedule, error) {
	return s.scheduler.GetSchedule(ctx, id)
}

// Remove deletes a schedule by id.
func (s *ScheduleService) Remove(ctx context.Context, id string) error {
	return s.scheduler.RemoveSchedule(ctx, id)
}
