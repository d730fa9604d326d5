package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/minisource/distsched/internal/eventbroker"
	"github.com/minisource/distsched/internal/models"
)

// PostgresStore persists schedules, jobs, tasks and history via GORM,
// following the teacher's one-struct-per-aggregate repository shape but
// collapsed into a single store since schedules/jobs/tasks/history share
// one claim protocol and one transaction boundary. Claim authority over a
// row lives in the RedisLeaser, not in Postgres row locks: Postgres is
// asked for due candidates, Redis decides who actually wins each one, and
// the claimed_by/claimed_until columns are then just a queryable mirror of
// that decision for GetSchedule/GetSchedules callers.
type PostgresStore struct {
	db     *gorm.DB
	leaser *RedisLeaser
	broker eventbroker.Broker
}

// NewPostgresStore wraps an already-connected *gorm.DB and the leaser used
// to arbitrate claims across scheduler instances.
func NewPostgresStore(db *gorm.DB, leaser *RedisLeaser) *PostgresStore {
	return &PostgresStore{db: db, leaser: leaser}
}

// Start records the event broker handle and confirms the underlying
// connection pool is reachable before the scheduling loop starts relying
// on it. The *gorm.DB itself is opened and closed by internal/database,
// one level up in cmd/scheduler/main.go's wiring; Start/Stop here are the
// data-store subsystem's own lifecycle step within the scheduler, not the
// connection pool's.
func (s *PostgresStore) Start(ctx context.Context, broker eventbroker.Broker) error {
	s.broker = broker
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: start: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("store: start: %w", err)
	}
	return nil
}

// Stop is a graceful no-op check that the store is still reachable; a
// forced stop (teardown already under way because of another failure)
// skips even that, since there is nothing further to flush.
func (s *PostgresStore) Stop(ctx context.Context, force bool) error {
	if force {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.PingContext(ctx)
}

// AutoMigrate creates/updates the scheduler_tasks, schedules, jobs and
// job_history tables, mirroring the teacher's cmd/main.go AutoMigrate call.
func (s *PostgresStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&models.Task{},
		&models.Schedule{},
		&models.Job{},
		&models.JobHistory{},
	)
}

func (s *PostgresStore) EnsureTask(ctx context.Context, taskID string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&models.Task{ID: taskID}).Error
}

func (s *PostgresStore) AddSchedule(ctx context.Context, sched *models.Schedule, conflict models.ConflictPolicy) error {
	switch conflict {
	case models.ConflictReplace:
		return s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(sched).Error
	case models.ConflictFail:
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(sched)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("store: schedule %q already exists: %w", sched.ID, ErrConflict)
		}
		return nil
	default: // models.ConflictDoNothing
		return s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
			Create(sched).Error
	}
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	var sched models.Schedule
	err := s.db.WithContext(ctx).First(&sched, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

func (s *PostgresStore) GetSchedules(ctx context.Context, filter ScheduleFilter) ([]*models.Schedule, error) {
	query := s.db.WithContext(ctx).Model(&models.Schedule{})
	if len(filter.IDs) > 0 {
		query = query.Where("id IN ?", filter.IDs)
	}
	for _, tag := range filter.Tags {
		query = query.Where("tags @> ?", fmt.Sprintf("[%q]", tag))
	}
	var scheds []*models.Schedule
	if err := query.Order("id ASC").Find(&scheds).Error; err != nil {
		return nil, err
	}
	return scheds, nil
}

func (s *PostgresStore) RemoveSchedule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Schedule{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetNextScheduleRunTime(ctx context.Context) (*time.Time, error) {
	var sched models.Schedule
	err := s.db.WithContext(ctx).
		Where("next_fire_time IS NOT NULL").
		Order("next_fire_time ASC").
		Limit(1).
		First(&sched).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sched.NextFireTime, nil
}

// AcquireSchedules reads schedules whose next_fire_time is due, then asks
// the RedisLeaser to claim each candidate in turn until limit schedules are
// won or candidates are exhausted. Postgres's claimed_by/claimed_until are
// updated only for rows this call actually wins, so a schedule already
// claimed (unexpired) by a different scheduler is simply skipped when its
// Redis lease attempt fails.
func (s *PostgresStore) AcquireSchedules(ctx context.Context, schedulerID string, limit int, lease time.Duration) ([]*models.Schedule, error) {
	now := time.Now().UTC()
	var candidates []models.Schedule
	err := s.db.WithContext(ctx).
		Where("next_fire_time <= ?", now).
		Order("next_fire_time ASC").
		Limit(limit * 4).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]*models.Schedule, 0, limit)
	until := now.Add(lease)
	for i := range candidates {
		if len(claimed) >= limit {
			break
		}
		sched := &candidates[i]
		ok, err := s.leaser.TryAcquire(ctx, namespaceSchedule, sched.ID, lease)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		if err := s.db.WithContext(ctx).Model(&models.Schedule{}).
			Where("id = ?", sched.ID).
			Updates(map[string]any{"claimed_by": schedulerID, "claimed_until": until}).Error; err != nil {
			_ = s.leaser.Release(ctx, namespaceSchedule, sched.ID)
			return claimed, err
		}
		sched.ClaimedBy = schedulerID
		sched.ClaimedUntil = &until
		claimed = append(claimed, sched)
	}
	return claimed, nil
}

func (s *PostgresStore) ReleaseSchedules(ctx context.Context, schedulerID string, results []ScheduleReleaseResult) error {
	if len(results) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range results {
			if r.NextFireTime == nil {
				if err := tx.Where("id = ? AND claimed_by = ?", r.ScheduleID, schedulerID).
					Delete(&models.Schedule{}).Error; err != nil {
					return err
				}
				continue
			}
			updates := map[string]any{
				"claimed_by":     "",
				"claimed_until":  nil,
				"next_fire_time": r.NextFireTime,
			}
			if r.LastFireTime != nil {
				updates["last_fire_time"] = r.LastFireTime
			}
			err := tx.Model(&models.Schedule{}).
				Where("id = ? AND claimed_by = ?", r.ScheduleID, schedulerID).
				Updates(updates).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		if releaseErr := s.leaser.Release(ctx, namespaceSchedule, r.ScheduleID); releaseErr != nil {
			return releaseErr
		}
	}
	return nil
}

func (s *PostgresStore) AddJob(ctx context.Context, job *models.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *PostgresStore) GetJobResult(ctx context.Context, jobID uuid.UUID, wait time.Duration) (*models.JobResult, error) {
	deadline := time.Now().Add(wait)
	for {
		var job models.Job
		err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if job.Released() {
			return job.Result(), nil
		}
		if wait <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *PostgresStore) AcquireJobs(ctx context.Context, schedulerID string, limit int, lease time.Duration) ([]*models.Job, error) {
	now := time.Now().UTC()
	var candidates []models.Job
	err := s.db.WithContext(ctx).
		Where("released_at IS NULL").
		Order("created_at ASC").
		Limit(limit * 4).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]*models.Job, 0, limit)
	until := now.Add(lease)
	for i := range candidates {
		if len(claimed) >= limit {
			break
		}
		job := &candidates[i]
		idStr := job.ID.String()
		ok, err := s.leaser.TryAcquire(ctx, namespaceJob, idStr, lease)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		if err := s.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]any{"claimed_by": schedulerID, "claimed_until": until}).Error; err != nil {
			_ = s.leaser.Release(ctx, namespaceJob, idStr)
			return claimed, err
		}
		job.ClaimedBy = schedulerID
		job.ClaimedUntil = &until
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (s *PostgresStore) ReleaseJobs(ctx context.Context, schedulerID string, results []models.JobResult) error {
	if len(results) == 0 {
		return nil
	}
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range results {
			var job models.Job
			if err := tx.First(&job, "id = ? AND claimed_by = ?", r.JobID, schedulerID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					continue
				}
				return err
			}
			err := tx.Model(&models.Job{}).Where("id = ?", r.JobID).Updates(map[string]any{
				"outcome":      r.Outcome,
				"return_value": r.ReturnValue,
				"exception":    r.Exception,
				"released_at":  now,
			}).Error
			if err != nil {
				return err
			}
			if err := s.bumpHistory(tx, job.TaskID, now, r.Outcome); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		if releaseErr := s.leaser.Release(ctx, namespaceJob, r.JobID.String()); releaseErr != nil {
			return releaseErr
		}
	}
	return nil
}

func (s *PostgresStore) bumpHistory(tx *gorm.DB, taskID string, when time.Time, outcome models.JobOutcome) error {
	day := time.Date(when.Year(), when.Month(), when.Day(), 0, 0, 0, 0, time.UTC)
	updates := map[string]any{"total_runs": gorm.Expr("total_runs + 1")}
	if outcome == models.JobOutcomeSuccess {
		updates["success_count"] = gorm.Expr("success_count + 1")
	} else {
		updates["failure_count"] = gorm.Expr("failure_count + 1")
	}
	res := tx.Model(&models.JobHistory{}).
		Where("task_id = ? AND date = ?", taskID, day).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	hist := &models.JobHistory{TaskID: taskID, Date: day, TotalRuns: 1}
	if outcome == models.JobOutcomeSuccess {
		hist.SuccessCount = 1
	} else {
		hist.FailureCount = 1
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(hist).Error
}

func (s *PostgresStore) GetTaskHistory(ctx context.Context, taskID string, since time.Time) ([]*models.JobHistory, error) {
	var hist []*models.JobHistory
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND date >= ?", taskID, since).
		Order("date ASC").
		Find(&hist).Error
	return hist, err
}

// ErrConflict signals an AddSchedule call under models.ConflictFail found an
// existing schedule with the same id.
var ErrConflict = conflictError{}

type conflictError struct{}

func (conflictError) Error() string { return "store: schedule already exists" }
