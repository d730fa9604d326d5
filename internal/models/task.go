package models

import "time"

// Task describes an executable unit. A Task is either resolved from a
// registered callable (see internal/task.Registry) or created ahead of
// time by a caller that only knows the task id.
type Task struct {
	ID        string    `json:"id" gorm:"type:varchar(255);primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName returns the table name for GORM.
func (Task) TableName() string {
	return "scheduler_tasks"
}
