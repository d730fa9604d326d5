// Package events defines the CloudEvents-shaped envelopes the scheduler
// publishes and consumes, grounded on the CloudEvents Go SDK usage in
// _examples/CrisisTextLine-modular's modules/eventbus package.
package events

import (
	"encoding/json"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	"github.com/minisource/distsched/internal/models"
)

// Event is a CloudEvents 1.0 event. All events the scheduler publishes or
// consumes are CloudEvents-compliant envelopes carrying a typed JSON payload.
type Event = cloudevents.Event

const source = "distsched/scheduler"

// Event types, published or consumed by the scheduler core per spec.md §6.
const (
	TypeScheduleAdded    = "io.minisource.distsched.schedule_added"
	TypeScheduleUpdated  = "io.minisource.distsched.schedule_updated"
	TypeScheduleRemoved  = "io.minisource.distsched.schedule_removed"
	TypeJobReleased      = "io.minisource.distsched.job_released"
	TypeSchedulerStarted = "io.minisource.distsched.scheduler_started"
	TypeSchedulerStopped = "io.minisource.distsched.scheduler_stopped"
)

// ScheduleEventData is the payload shared by ScheduleAdded and ScheduleUpdated.
type ScheduleEventData struct {
	ScheduleID   string     `json:"schedule_id"`
	TaskID       string     `json:"task_id"`
	NextFireTime *time.Time `json:"next_fire_time,omitempty"`
}

// ScheduleRemovedData is the payload of a ScheduleRemoved event.
type ScheduleRemovedData struct {
	ScheduleID string `json:"schedule_id"`
	Reason     string `json:"reason"`
}

// JobReleasedData is the payload of a JobReleased event.
type JobReleasedData struct {
	JobID   uuid.UUID        `json:"job_id"`
	Result  models.JobResult `json:"result"`
}

// SchedulerStoppedData is the payload of a SchedulerStopped event.
type SchedulerStoppedData struct {
	Exception string `json:"exception,omitempty"`
}

func newEvent(eventType string, data any) Event {
	e := cloudevents.New()
	e.SetID(uuid.NewString())
	e.SetSource(source)
	e.SetType(eventType)
	e.SetTime(time.Now().UTC())
	_ = e.SetData(cloudevents.ApplicationJSON, data)
	return e
}

// NewScheduleAdded builds a ScheduleAdded event.
func NewScheduleAdded(scheduleID, taskID string, nextFireTime *time.Time) Event {
	return newEvent(TypeScheduleAdded, ScheduleEventData{ScheduleID: scheduleID, TaskID: taskID, NextFireTime: nextFireTime})
}

// NewScheduleUpdated builds a ScheduleUpdated event.
func NewScheduleUpdated(scheduleID, taskID string, nextFireTime *time.Time) Event {
	return newEvent(TypeScheduleUpdated, ScheduleEventData{ScheduleID: scheduleID, TaskID: taskID, NextFireTime: nextFireTime})
}

// NewScheduleRemoved builds a ScheduleRemoved event.
func NewScheduleRemoved(scheduleID, reason string) Event {
	return newEvent(TypeScheduleRemoved, ScheduleRemovedData{ScheduleID: scheduleID, Reason: reason})
}

// NewJobReleased builds a JobReleased event.
func NewJobReleased(result models.JobResult) Event {
	return newEvent(TypeJobReleased, JobReleasedData{JobID: result.JobID, Result: result})
}

// NewSchedulerStarted builds a SchedulerStarted event.
func NewSchedulerStarted() Event {
	return newEvent(TypeSchedulerStarted, struct{}{})
}

// NewSchedulerStopped builds a SchedulerStopped event, carrying the
// originating error's message (if any) for subscribers' benefit.
func NewSchedulerStopped(cause error) Event {
	data := SchedulerStoppedData{}
	if cause != nil {
		data.Exception = cause.Error()
	}
	return newEvent(TypeSchedulerStopped, data)
}

// DataAs decodes an event's JSON payload into dst.
func DataAs[T any](e Event) (T, error) {
	var dst T
	if len(e.Data()) == 0 {
		return dst, nil
	}
	err := json.Unmarshal(e.Data(), &dst)
	return dst, err
}
