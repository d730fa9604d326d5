package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minisource/distsched/internal/eventbroker"
	"github.com/minisource/distsched/internal/events"
	"github.com/minisource/distsched/internal/models"
	"github.com/minisource/distsched/internal/store"
	"github.com/minisource/distsched/internal/task"
	"github.com/minisource/distsched/internal/trigger"
)

// memStore is a minimal in-memory store.DataStore double, standing in for
// PostgresStore+RedisLeaser in tests that exercise the scheduling loop and
// public API surface without a real database.
type memStore struct {
	mu        sync.Mutex
	tasks     map[string]bool
	schedules map[string]*models.Schedule
	jobs      map[uuid.UUID]*models.Job
	results   map[uuid.UUID]*models.JobResult
}

func newMemStore() *memStore {
	return &memStore{
		tasks:     make(map[string]bool),
		schedules: make(map[string]*models.Schedule),
		jobs:      make(map[uuid.UUID]*models.Job),
		results:   make(map[uuid.UUID]*models.JobResult),
	}
}

func (m *memStore) Start(_ context.Context, _ eventbroker.Broker) error { return nil }
func (m *memStore) Stop(_ context.Context, _ bool) error                { return nil }

func (m *memStore) EnsureTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskID] = true
	return nil
}

func (m *memStore) AddSchedule(_ context.Context, sched *models.Schedule, conflict models.ConflictPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[sched.ID]; exists {
		switch conflict {
		case models.ConflictReplace:
		case models.ConflictFail:
			return store.ErrConflict
		default:
			return nil
		}
	}
	cp := *sched
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *memStore) GetSchedule(_ context.Context, id string) (*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetSchedules(_ context.Context, _ store.ScheduleFilter) ([]*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) RemoveSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *memStore) GetNextScheduleRunTime(_ context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest *time.Time
	now := time.Now()
	for _, s := range m.schedules {
		if s.NextFireTime == nil {
			continue
		}
		if s.ClaimedUntil != nil && s.ClaimedUntil.After(now) {
			continue
		}
		if earliest == nil || s.NextFireTime.Before(*earliest) {
			ft := *s.NextFireTime
			earliest = &ft
		}
	}
	return earliest, nil
}

func (m *memStore) AcquireSchedules(_ context.Context, schedulerID string, limit int, lease time.Duration) ([]*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []*models.Schedule
	for _, s := range m.schedules {
		if len(out) >= limit {
			break
		}
		if s.NextFireTime == nil || s.NextFireTime.After(now) {
			continue
		}
		if s.ClaimedUntil != nil && s.ClaimedUntil.After(now) && s.ClaimedBy != schedulerID {
			continue
		}
		until := now.Add(lease)
		s.ClaimedBy = schedulerID
		s.ClaimedUntil = &until
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ReleaseSchedules(_ context.Context, _ string, results []store.ScheduleReleaseResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		s, ok := m.schedules[r.ScheduleID]
		if !ok {
			continue
		}
		if r.NextFireTime == nil {
			delete(m.schedules, r.ScheduleID)
			continue
		}
		s.NextFireTime = r.NextFireTime
		s.LastFireTime = r.LastFireTime
		s.ClaimedBy = ""
		s.ClaimedUntil = nil
	}
	return nil
}

func (m *memStore) AddJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJobResult(_ context.Context, jobID uuid.UUID, wait time.Duration) (*models.JobResult, error) {
	deadline := time.Now().Add(wait)
	for {
		m.mu.Lock()
		r, ok := m.results[jobID]
		m.mu.Unlock()
		if ok {
			return r, nil
		}
		if wait <= 0 || time.Now().After(deadline) {
			return nil, store.ErrNotFound
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (m *memStore) AcquireJobs(_ context.Context, schedulerID string, limit int, lease time.Duration) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []*models.Job
	for _, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		if j.Released() {
			continue
		}
		if j.ClaimedUntil != nil && j.ClaimedUntil.After(now) && j.ClaimedBy != schedulerID {
			continue
		}
		until := now.Add(lease)
		j.ClaimedBy = schedulerID
		j.ClaimedUntil = &until
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ReleaseJobs(_ context.Context, _ string, results []models.JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		cp := r
		m.results[r.JobID] = &cp
		if j, ok := m.jobs[r.JobID]; ok {
			j.Outcome = r.Outcome
			j.ReturnValue = r.ReturnValue
			j.Exception = r.Exception
		}
	}
	return nil
}

func (m *memStore) GetTaskHistory(_ context.Context, _ string, _ time.Time) ([]*models.JobHistory, error) {
	return nil, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *memStore, eventbroker.Broker) {
	t.Helper()
	st := newMemStore()
	broker := eventbroker.NewLocalBroker()
	registry := task.NewRegistry()
	opts := Options{
		Identity:              "test-scheduler",
		BatchSize:             10,
		ClaimLease:            5 * time.Second,
		StoppedPublishTimeout: time.Second,
	}
	s := New(opts, st, broker, registry, nil)
	return s, st, broker
}

func TestStartStopIsIdempotentAndPublishesStoppedExactlyOnce(t *testing.T) {
	s, _, broker := newTestScheduler(t)

	var mu sync.Mutex
	stopped := 0
	broker.Subscribe(events.TypeSchedulerStopped, func(_ context.Context, _ events.Event) {
		mu.Lock()
		stopped++
		mu.Unlock()
	})

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop()
	s.Stop()
	s.WaitUntilStopped()

	assert.False(t, s.IsRunning())
	assert.Equal(t, models.RunStateStopped, s.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, stopped)
}

func TestWaitUntilStoppedReturnsImmediatelyWhenNeverStarted(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	done := make(chan struct{})
	go func() {
		s.WaitUntilStopped()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitUntilStopped blocked on a scheduler that was never started")
	}
}

func TestAddScheduleComputesInitialNextFireTime(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	require.NoError(t, s.Start(context.Background()))
	defer func() { s.Stop(); s.WaitUntilStopped() }()

	fn := task.Func(func(_ task.Context, _ []json.RawMessage, _ map[string]json.RawMessage) (any, error) {
		return "ok", nil
	})

	fireAt := time.Now().Add(time.Hour)
	trig := trigger.NewOnce(fireAt)

	id, err := s.AddSchedule(context.Background(), fn, trig, AddScheduleOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sched, err := st.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sched.NextFireTime)
	assert.WithinDuration(t, fireAt, *sched.NextFireTime, time.Second)
}

func TestAddScheduleWithExplicitIDFailsOnConflictWhenRequested(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	require.NoError(t, s.Start(context.Background()))
	defer func() { s.Stop(); s.WaitUntilStopped() }()

	fn := task.Func(func(_ task.Context, _ []json.RawMessage, _ map[string]json.RawMessage) (any, error) {
		return nil, nil
	})
	trig := trigger.NewOnce(time.Now().Add(time.Hour))

	_, err := s.AddSchedule(context.Background(), fn, trig, AddScheduleOptions{ID: "dup", ConflictPolicy: models.ConflictFail})
	require.NoError(t, err)

	_, err = s.AddSchedule(context.Background(), fn, trig, AddScheduleOptions{ID: "dup", ConflictPolicy: models.ConflictFail})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestGetJobResultSubscribesBeforeQueryingSoALateResultIsNeverMissed(t *testing.T) {
	s, st, broker := newTestScheduler(t)
	require.NoError(t, s.Start(context.Background()))
	defer func() { s.Stop(); s.WaitUntilStopped() }()

	jobID := uuid.New()
	require.NoError(t, st.AddJob(context.Background(), &models.Job{ID: jobID, TaskID: "demo"}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		result := models.JobResult{JobID: jobID, Outcome: models.JobOutcomeSuccess, ReturnValue: json.RawMessage(`"done"`)}
		_ = st.ReleaseJobs(context.Background(), "worker", []models.JobResult{result})
		broker.Publish(context.Background(), events.NewJobReleased(result))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := s.GetJobResult(ctx, jobID, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobOutcomeSuccess, result.Outcome)
}

func TestGetJobResultNonBlockingReturnsLookupErrorWhenNotYetReleased(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	require.NoError(t, s.Start(context.Background()))
	defer func() { s.Stop(); s.WaitUntilStopped() }()

	jobID := uuid.New()
	require.NoError(t, st.AddJob(context.Background(), &models.Job{ID: jobID, TaskID: "demo"}))

	_, err := s.GetJobResult(context.Background(), jobID, false)
	assert.ErrorIs(t, err, ErrLookup)
}

func TestRunJobTranslatesErrorOutcomeToAnError(t *testing.T) {
	s, st, broker := newTestScheduler(t)
	require.NoError(t, s.Start(context.Background()))
	defer func() { s.Stop(); s.WaitUntilStopped() }()

	fn := task.Func(func(_ task.Context, _ []json.RawMessage, _ map[string]json.RawMessage) (any, error) {
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var runErr error
	go func() {
		_, runErr = s.RunJob(ctx, fn, AddJobOptions{})
		close(done)
	}()

	jobID := waitForSingleJob(t, st)
	result := models.JobResult{JobID: jobID, Outcome: models.JobOutcomeError, Exception: "boom"}
	broker.Publish(context.Background(), events.NewJobReleased(result))

	<-done
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "boom")
}

func waitForSingleJob(t *testing.T, st *memStore) uuid.UUID {
	t.Helper()
	var jobID uuid.UUID
	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		for id := range st.jobs {
			jobID = id
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return jobID
}

func TestRemoveScheduleDeletesIt(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	require.NoError(t, s.Start(context.Background()))
	defer func() { s.Stop(); s.WaitUntilStopped() }()

	require.NoError(t, st.AddSchedule(context.Background(), &models.Schedule{ID: "sched-1", TaskID: "demo"}, models.ConflictDoNothing))

	require.NoError(t, s.RemoveSchedule(context.Background(), "sched-1"))
	_, err := s.GetSchedule(context.Background(), "sched-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSchedulingLoopAdvancesDueScheduleIntoAJob(t *testing.T) {
	s, st, _ := newTestScheduler(t)

	fn := task.Func(func(_ task.Context, _ []json.RawMessage, _ map[string]json.RawMessage) (any, error) {
		return nil, nil
	})
	taskID := task.StableID(fn)
	require.NoError(t, st.EnsureTask(context.Background(), taskID))

	due := time.Now().Add(-time.Second)
	trig := trigger.NewOnce(due)
	cfg, err := trigger.Serialize(trig)
	require.NoError(t, err)
	require.NoError(t, st.AddSchedule(context.Background(), &models.Schedule{
		ID:            "due-sched",
		TaskID:        taskID,
		TriggerKind:   trig.Kind(),
		TriggerConfig: cfg,
		Coalesce:      models.CoalesceLatest,
		NextFireTime:  &due,
	}, models.ConflictDoNothing))

	require.NoError(t, s.Start(context.Background()))
	defer func() { s.Stop(); s.WaitUntilStopped() }()

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.jobs) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		_, exists := st.schedules["due-sched"]
		return !exists
	}, time.Second, 5*time.Millisecond, "a one-shot trigger's schedule should be removed once exhausted")
}
