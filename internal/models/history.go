package models

import "time"

// JobHistory is a daily rollup of job outcomes for one task, computed from
// released Jobs. It supplements the core scheduler (which has no concept
// of historical reporting) the way the teacher repo's job_history table
// did, adapted here to aggregate by task id rather than by webhook job id.
type JobHistory struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID        string    `json:"task_id" gorm:"type:varchar(255);not null;index:idx_job_history_task"`
	Date          time.Time `json:"date" gorm:"type:date;not null;index:idx_job_history_date"`
	TotalRuns     int64     `json:"total_runs" gorm:"default:0"`
	SuccessCount  int64     `json:"success_count" gorm:"default:0"`
	FailureCount  int64     `json:"failure_count" gorm:"default:0"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (JobHistory) TableName() string {
	return "job_history"
}

// AggregatedHistoryStats mirrors the teacher's aggregated statistics shape.
type AggregatedHistoryStats struct {
	TotalRuns    int64   `json:"total_runs"`
	SuccessCount int64   `json:"success_count"`
	FailureCount int64   `json:"failure_count"`
	SuccessRate  float64 `json:"success_rate"`
}
