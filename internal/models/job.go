package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is an append-only unit of work enqueued either by the scheduling
// loop (from a Schedule) or directly via add_job. It reaches a terminal
// state when a worker releases it with a JobResult.
type Job struct {
	ID                uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	TaskID            string          `json:"task_id" gorm:"type:varchar(255);not null;index:idx_jobs_task"`
	Args              json.RawMessage `json:"args,omitempty" gorm:"type:jsonb"`
	Kwargs            json.RawMessage `json:"kwargs,omitempty" gorm:"type:jsonb"`
	ScheduleID        *string         `json:"schedule_id,omitempty" gorm:"type:varchar(255);index:idx_jobs_schedule"`
	ScheduledFireTime *time.Time      `json:"scheduled_fire_time,omitempty"`
	JitterSecs        float64         `json:"jitter_seconds,omitempty"`
	StartDeadline     *time.Time      `json:"start_deadline,omitempty"`
	Tags              json.RawMessage `json:"tags,omitempty" gorm:"type:jsonb"`
	CreatedAt         time.Time       `json:"created_at" gorm:"autoCreateTime;index:idx_jobs_created"`

	// Claim state for the in-process (or distributed) worker pool.
	ClaimedBy    string     `json:"-" gorm:"type:varchar(255);index:idx_jobs_claimed"`
	ClaimedUntil *time.Time `json:"-"`

	// Result fields, populated exactly once when the job is released.
	Outcome     JobOutcome      `json:"outcome,omitempty" gorm:"type:varchar(30)"`
	ReturnValue json.RawMessage `json:"return_value,omitempty" gorm:"type:jsonb"`
	Exception   string          `json:"exception,omitempty" gorm:"type:text"`
	ReleasedAt  *time.Time      `json:"released_at,omitempty"`
}

// TableName returns the table name for GORM.
func (Job) TableName() string {
	return "jobs"
}

// Jitter returns JitterSecs as a time.Duration.
func (j *Job) Jitter() time.Duration {
	return time.Duration(j.JitterSecs * float64(time.Second))
}

// Released reports whether this job has reached a terminal state.
func (j *Job) Released() bool {
	return j.Outcome != ""
}

// Result projects the terminal fields of a released Job into a JobResult.
func (j *Job) Result() *JobResult {
	if !j.Released() {
		return nil
	}
	r := &JobResult{
		JobID:   j.ID,
		Outcome: j.Outcome,
	}
	if len(j.ReturnValue) > 0 {
		r.ReturnValue = j.ReturnValue
	}
	if j.Exception != "" {
		r.Exception = j.Exception
	}
	return r
}

// JobResult is the terminal outcome of one Job execution.
type JobResult struct {
	JobID       uuid.UUID       `json:"job_id"`
	Outcome     JobOutcome      `json:"outcome"`
	ReturnValue json.RawMessage `json:"return_value,omitempty"`
	Exception   string          `json:"exception,omitempty"`
}
