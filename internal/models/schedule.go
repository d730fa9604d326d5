package models

import (
	"encoding/json"
	"time"

	"github.com/minisource/distsched/internal/trigger"
)

// Schedule is the persistent description of a recurring (or one-shot)
// source of jobs. It is mutated only by the scheduling loop while the
// issuing identity holds its claim.
type Schedule struct {
	ID               string          `json:"id" gorm:"type:varchar(255);primaryKey"`
	TaskID           string          `json:"task_id" gorm:"type:varchar(255);not null;index:idx_schedules_task"`
	TriggerKind      string          `json:"trigger_kind" gorm:"type:varchar(50);not null"`
	TriggerConfig    json.RawMessage `json:"trigger_config" gorm:"type:jsonb"`
	Args             json.RawMessage `json:"args,omitempty" gorm:"type:jsonb"`
	Kwargs           json.RawMessage `json:"kwargs,omitempty" gorm:"type:jsonb"`
	Coalesce         CoalescePolicy  `json:"coalesce" gorm:"type:varchar(20);not null;default:'latest'"`
	MisfireGraceSecs *float64        `json:"misfire_grace_time,omitempty" gorm:"column:misfire_grace_seconds"`
	MaxJitterSecs    *float64        `json:"max_jitter,omitempty" gorm:"column:max_jitter_seconds"`
	Tags             json.RawMessage `json:"tags,omitempty" gorm:"type:jsonb"`
	NextFireTime     *time.Time      `json:"next_fire_time,omitempty" gorm:"index:idx_schedules_next_fire"`
	LastFireTime     *time.Time      `json:"last_fire_time,omitempty"`
	ClaimedBy        string          `json:"-" gorm:"type:varchar(255);index:idx_schedules_claimed"`
	ClaimedUntil     *time.Time      `json:"-"`
	CreatedAt        time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"autoUpdateTime"`

	trigger trigger.Trigger `gorm:"-"`
}

// TableName returns the table name for GORM.
func (Schedule) TableName() string {
	return "schedules"
}

// Trigger returns the live Trigger for this schedule, reconstructing it
// from TriggerKind/TriggerConfig via trigger.Deserialize on first access.
func (s *Schedule) Trigger() (trigger.Trigger, error) {
	if s.trigger != nil {
		return s.trigger, nil
	}
	t, err := trigger.Deserialize(s.TriggerKind, s.TriggerConfig)
	if err != nil {
		return nil, err
	}
	s.trigger = t
	return t, nil
}

// SetTrigger binds a live Trigger and captures its serialised form.
func (s *Schedule) SetTrigger(t trigger.Trigger) error {
	cfg, err := trigger.Serialize(t)
	if err != nil {
		return err
	}
	s.trigger = t
	s.TriggerKind = t.Kind()
	s.TriggerConfig = cfg
	return nil
}

// MisfireGraceTime returns the configured grace period, or nil if unset.
func (s *Schedule) MisfireGraceTime() *time.Duration {
	if s.MisfireGraceSecs == nil {
		return nil
	}
	d := time.Duration(*s.MisfireGraceSecs * float64(time.Second))
	return &d
}

// MaxJitter returns the configured jitter bound, or nil if unset.
func (s *Schedule) MaxJitter() *time.Duration {
	if s.MaxJitterSecs == nil {
		return nil
	}
	d := time.Duration(*s.MaxJitterSecs * float64(time.Second))
	return &d
}

// NextDeadline is next_fire_time + misfire_grace_time, when both are present.
func (s *Schedule) NextDeadline() *time.Time {
	if s.NextFireTime == nil {
		return nil
	}
	grace := s.MisfireGraceTime()
	if grace == nil {
		return nil
	}
	d := s.NextFireTime.Add(*grace)
	return &d
}

// TagList decodes Tags into a string slice.
func (s *Schedule) TagList() []string {
	if len(s.Tags) == 0 {
		return nil
	}
	var tags []string
	_ = json.Unmarshal(s.Tags, &tags)
	return tags
}
