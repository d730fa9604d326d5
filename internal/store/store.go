// Package store defines the persistence and claim contract the scheduler
// core depends on, grounded on the repository pattern in
// _examples/minisource-scheduler/internal/repository (one struct per
// aggregate, context-scoped GORM calls, explicit query builders).
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/minisource/distsched/internal/eventbroker"
	"github.com/minisource/distsched/internal/models"
)

// ScheduleFilter narrows GetSchedules.
type ScheduleFilter struct {
	IDs  []string
	Tags []string
}

// DataStore is the persistence contract the scheduler core uses for
// schedules, jobs, tasks and job history. A single implementation backs a
// whole scheduler instance; all methods are safe for concurrent use.
type DataStore interface {
	// Start prepares the store for use, passing the event broker so a
	// store implementation may publish its own notifications alongside
	// the scheduler's (spec.md §4.1 step 3, §6). Safe to call more than
	// once.
	Start(ctx context.Context, broker eventbroker.Broker) error

	// Stop releases store resources, per spec.md §4.1 step 3's symmetric
	// deferred stop. force is true iff teardown was triggered by an
	// exception rather than a clean shutdown (spec.md §9). Safe to call
	// more than once.
	Stop(ctx context.Context, force bool) error

	// Tasks

	EnsureTask(ctx context.Context, taskID string) error

	// Schedules

	AddSchedule(ctx context.Context, sched *models.Schedule, conflict models.ConflictPolicy) error
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	GetSchedules(ctx context.Context, filter ScheduleFilter) ([]*models.Schedule, error)
	RemoveSchedule(ctx context.Context, id string) error

	// GetNextScheduleRunTime returns the earliest next_fire_time among all
	// schedules, or nil if none are scheduled.
	GetNextScheduleRunTime(ctx context.Context) (*time.Time, error)

	// AcquireSchedules claims up to limit schedules whose next_fire_time is
	// due, on behalf of schedulerID, for the given lease duration. A
	// schedule already claimed (unexpired) by a different scheduler is
	// never returned.
	AcquireSchedules(ctx context.Context, schedulerID string, limit int, lease time.Duration) ([]*models.Schedule, error)

	// ReleaseSchedules clears the claim on the given schedule ids (held by
	// schedulerID) and, for each, either updates NextFireTime/LastFireTime
	// or deletes the schedule if its result's NextFireTime is nil.
	ReleaseSchedules(ctx context.Context, schedulerID string, results []ScheduleReleaseResult) error

	// Jobs

	AddJob(ctx context.Context, job *models.Job) error
	GetJobResult(ctx context.Context, jobID uuid.UUID, wait time.Duration) (*models.JobResult, error)

	// AcquireJobs claims up to limit unclaimed jobs for schedulerID, for
	// the given lease duration.
	AcquireJobs(ctx context.Context, schedulerID string, limit int, lease time.Duration) ([]*models.Job, error)

	// ReleaseJobs records the outcome of each completed job and clears its
	// claim, recording aggregate history per task.
	ReleaseJobs(ctx context.Context, schedulerID string, results []models.JobResult) error

	// GetTaskHistory returns daily aggregate run statistics for a task.
	GetTaskHistory(ctx context.Context, taskID string, since time.Time) ([]*models.JobHistory, error)
}

// ScheduleReleaseResult pairs a schedule id with its post-fire next/last
// fire times, as computed by the fire-time engine.
type ScheduleReleaseResult struct {
	ScheduleID   string
	NextFireTime *time.Time
	LastFireTime *time.Time
}

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
