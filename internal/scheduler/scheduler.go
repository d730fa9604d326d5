// Package scheduler implements the Lifecycle Manager, Scheduling Loop and
// Public API Surface, ported from AsyncScheduler._run/add_schedule/add_job/
// get_job_result/run_job in _examples/original_source/src/apscheduler/
// schedulers/async_.py: AnyIO task-groups/cancel-scopes become goroutines +
// context.Context + sync.WaitGroup, and AnyIO's Event becomes
// internal/wakeup.Coordinator.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minisource/distsched/internal/eventbroker"
	"github.com/minisource/distsched/internal/events"
	"github.com/minisource/distsched/internal/fireengine"
	"github.com/minisource/distsched/internal/models"
	"github.com/minisource/distsched/internal/store"
	"github.com/minisource/distsched/internal/task"
	"github.com/minisource/distsched/internal/trigger"
	"github.com/minisource/distsched/internal/wakeup"
)

// Sentinel errors for the taxonomy in spec.md §7, checked with errors.Is.
var (
	ErrIllegalState   = errors.New("scheduler: illegal state transition")
	ErrLookup         = errors.New("scheduler: job result not found")
	ErrDeadlineMissed = errors.New("scheduler: job missed its start deadline")
	ErrCancelled      = errors.New("scheduler: job was cancelled")
)

// Options configures a Scheduler instance.
type Options struct {
	// Identity uniquely names this scheduler for claim ownership across a
	// shared store. Defaults to config.defaultIdentity()'s shape if empty.
	Identity string
	// StartWorker launches an in-process worker as a sibling goroutine and
	// binds the process-wide current-scheduler handle.
	StartWorker bool
	// BatchSize caps acquire_schedules per iteration (spec.md §4.2: 100).
	BatchSize int
	// ClaimLease is how long an acquired schedule or job stays claimed.
	ClaimLease time.Duration
	// StoppedPublishTimeout bounds the shielded SchedulerStopped publish
	// window (spec.md §5: 3 seconds).
	StoppedPublishTimeout time.Duration
	Logger                *log.Logger
}

func (o Options) withDefaults() Options {
	if o.Identity == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown-host"
		}
		o.Identity = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = 30 * time.Second
	}
	if o.StoppedPublishTimeout <= 0 {
		o.StoppedPublishTimeout = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// WorkerRunFunc runs an in-process worker under the given identity until ctx
// is cancelled, returning a non-nil error only if the worker stops for a
// reason other than cancellation. internal/worker.Pool.Run implements this;
// Scheduler only depends on the narrow shape it needs to start one as a
// sibling goroutine.
type WorkerRunFunc func(ctx context.Context, identity string) error

// Scheduler is the core scheduling engine: one instance per process,
// sharing a DataStore with zero or more sibling instances.
type Scheduler struct {
	opts     Options
	store    store.DataStore
	broker   eventbroker.Broker
	registry *task.Registry
	worker   WorkerRunFunc // nil if no in-process worker configured

	mu    sync.RWMutex
	state models.RunState

	stack      *exitStack
	wake       *wakeup.Coordinator
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stoppedCh  chan struct{}

	rng *rand.Rand // owned exclusively by the scheduling loop goroutine
}

// New constructs a Scheduler. worker may be nil even if opts.StartWorker is
// true; the worker is simply not launched in that case.
func New(opts Options, st store.DataStore, broker eventbroker.Broker, registry *task.Registry, worker WorkerRunFunc) *Scheduler {
	return &Scheduler{
		opts:     opts.withDefaults(),
		store:    st,
		broker:   broker,
		registry: registry,
		worker:   worker,
		state:    models.RunStateStopped,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// IsRunning reports whether the scheduler's state is started.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == models.RunStateStarted
}

// State returns the current lifecycle state.
func (s *Scheduler) State() models.RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start runs the Lifecycle Manager's start sequence (spec.md §4.1): each
// step registers its own teardown on the exit stack before the next step
// runs, so a failure partway through unwinds everything already started.
// Start returns once the scheduler has transitioned to started and
// SchedulerStarted has been published; the scheduling loop (and, if
// configured, the in-process worker) then run as sibling goroutines.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != models.RunStateStopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: Start called while state is %s", ErrIllegalState, s.state)
	}
	s.state = models.RunStateStarting
	s.mu.Unlock()

	s.stack = &exitStack{}
	s.wake = wakeup.New()
	s.stoppedCh = make(chan struct{})
	s.stopOnce = sync.Once{}

	// Step 2: start the event broker; register its symmetric deferred
	// stop (spec.md §4.1).
	if err := s.broker.Start(ctx); err != nil {
		s.mu.Lock()
		s.state = models.RunStateStopped
		s.mu.Unlock()
		return fmt.Errorf("scheduler: starting event broker: %w", err)
	}
	s.stack.push(func(force bool) {
		if err := s.broker.Stop(context.Background(), force); err != nil {
			s.opts.Logger.Printf("scheduler: stopping event broker: %v", err)
		}
	})

	// Step 3: start the data store, passing it the event broker; register
	// its symmetric deferred stop.
	if err := s.store.Start(ctx, s.broker); err != nil {
		s.stack.close(true)
		s.mu.Lock()
		s.state = models.RunStateStopped
		s.mu.Unlock()
		return fmt.Errorf("scheduler: starting data store: %w", err)
	}
	s.stack.push(func(force bool) {
		if err := s.store.Stop(context.Background(), force); err != nil {
			s.opts.Logger.Printf("scheduler: stopping data store: %v", err)
		}
	})

	// Step 4: subscribe to ScheduleAdded/ScheduleUpdated.
	sub := s.broker.Subscribe("", s.onBrokerEvent)
	s.stack.push(func(bool) { sub.Cancel() })

	// Step 5: optionally bind the current-scheduler handle and start the
	// in-process worker as a sibling goroutine.
	if s.opts.StartWorker && s.worker != nil {
		unbind := bindCurrent(s)
		s.stack.push(func(bool) { unbind() })

		workerCtx, workerCancel := context.WithCancel(context.Background())
		s.stack.push(func(bool) { workerCancel() })
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.worker(workerCtx, s.opts.Identity); err != nil && !errors.Is(err, context.Canceled) {
				s.opts.Logger.Printf("scheduler: in-process worker exited: %v", err)
			}
		}()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel

	s.mu.Lock()
	s.state = models.RunStateStarted
	s.mu.Unlock()

	s.broker.Publish(ctx, events.NewSchedulerStarted())

	s.wg.Add(1)
	go s.loop(loopCtx)

	return nil
}

func (s *Scheduler) onBrokerEvent(_ context.Context, evt events.Event) {
	switch evt.Type() {
	case events.TypeScheduleAdded, events.TypeScheduleUpdated:
		data, err := events.DataAs[events.ScheduleEventData](evt)
		if err != nil {
			return
		}
		s.wake.OnScheduleEvent(data.NextFireTime)
	}
}

// Stop requests an orderly shutdown. It is idempotent from started; from
// any other state it is a no-op (spec.md §4.1).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != models.RunStateStarted {
		s.mu.Unlock()
		return
	}
	s.state = models.RunStateStopping
	s.mu.Unlock()
	s.shutdown(nil)
}

// shutdown runs the actual teardown exactly once, regardless of whether it
// was triggered by Stop() or by a fatal error escaping the scheduling
// loop, satisfying the "stop() called N times yields exactly one
// SchedulerStopped event" property from spec.md §8.
func (s *Scheduler) shutdown(cause error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.state == models.RunStateStarted {
			s.state = models.RunStateStopping
		}
		s.mu.Unlock()

		s.wake.Stop()
		if s.loopCancel != nil {
			s.loopCancel()
		}
		s.wg.Wait()

		s.mu.Lock()
		s.state = models.RunStateStopped
		s.mu.Unlock()

		s.stack.close(cause != nil)
		s.publishStopped(cause)
		close(s.stoppedCh)
	})
}

// publishStopped delivers SchedulerStopped under a 3-second shielded
// window built on a fresh background context, so an outer cancellation
// cannot prevent best-effort delivery (spec.md §5).
func (s *Scheduler) publishStopped(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoppedPublishTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.broker.Publish(ctx, events.NewSchedulerStopped(cause))
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// WaitUntilStopped blocks until the scheduler reaches the stopped state.
// Per spec.md §4.1 it returns immediately if already stopped or stopping.
func (s *Scheduler) WaitUntilStopped() {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state == models.RunStateStopped || state == models.RunStateStopping {
		return
	}
	<-s.stoppedCh
}

// loop is the Scheduling Loop (spec.md §4.2), run on its own goroutine for
// the scheduler's entire started lifetime.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		schedules, err := s.store.AcquireSchedules(ctx, s.opts.Identity, s.opts.BatchSize, s.opts.ClaimLease)
		if err != nil {
			s.opts.Logger.Printf("scheduler: acquire_schedules failed: %v", err)
			go s.shutdown(err)
			return
		}

		now := time.Now().UTC()
		releases := make([]store.ScheduleReleaseResult, 0, len(schedules))
		for _, sched := range schedules {
			releases = append(releases, s.advanceSchedule(ctx, sched, now))
		}

		if err := s.store.ReleaseSchedules(ctx, s.opts.Identity, releases); err != nil {
			s.opts.Logger.Printf("scheduler: release_schedules failed: %v", err)
			go s.shutdown(err)
			return
		}

		if len(schedules) == s.opts.BatchSize {
			continue
		}

		deadline, err := s.store.GetNextScheduleRunTime(ctx)
		if err != nil {
			s.opts.Logger.Printf("scheduler: get_next_schedule_run_time failed: %v", err)
			go s.shutdown(err)
			return
		}

		s.wake.SetDeadline(deadline)
		s.wake.Wait(deadline)
		s.wake.Reset()
	}
}

// advanceSchedule runs the Fire-Time Engine for one due schedule and
// materialises its jobs. Errors are contained to this schedule: on
// failure the schedule is abandoned (released with a null next_fire_time
// so the store deletes it) and a ScheduleRemoved event is published.
func (s *Scheduler) advanceSchedule(ctx context.Context, sched *models.Schedule, now time.Time) store.ScheduleReleaseResult {
	trig, err := sched.Trigger()
	if err != nil {
		return s.abandonSchedule(ctx, sched, err)
	}
	if sched.NextFireTime == nil {
		return s.abandonSchedule(ctx, sched, fmt.Errorf("schedule has no next_fire_time at acquire time"))
	}

	result, err := fireengine.Advance(*sched.NextFireTime, now, trig, sched.Coalesce, sched.MaxJitter(), s.rng)
	if err != nil {
		return s.abandonSchedule(ctx, sched, err)
	}

	startDeadline := sched.NextDeadline()
	for _, ft := range result.FireTimes {
		fireTime := ft.Time
		job := &models.Job{
			ID:                uuid.New(),
			TaskID:            sched.TaskID,
			Args:              sched.Args,
			Kwargs:            sched.Kwargs,
			ScheduleID:        &sched.ID,
			ScheduledFireTime: &fireTime,
			JitterSecs:        ft.Jitter.Seconds(),
			StartDeadline:     startDeadline,
			Tags:              sched.Tags,
		}
		if err := s.store.AddJob(ctx, job); err != nil {
			s.opts.Logger.Printf("scheduler: add_job failed for schedule %s: %v", sched.ID, err)
		}
	}

	return store.ScheduleReleaseResult{
		ScheduleID:   sched.ID,
		NextFireTime: result.NextFireTime,
		LastFireTime: result.LastFireTime,
	}
}

func (s *Scheduler) abandonSchedule(ctx context.Context, sched *models.Schedule, cause error) store.ScheduleReleaseResult {
	s.opts.Logger.Printf("scheduler: trigger failed for schedule %s of task %s, removing: %v", sched.ID, sched.TaskID, cause)
	s.broker.Publish(ctx, events.NewScheduleRemoved(sched.ID, cause.Error()))
	return store.ScheduleReleaseResult{ScheduleID: sched.ID, NextFireTime: nil}
}

// AddScheduleOptions configures AddSchedule. Zero values take the spec's
// defaults: Coalesce = latest, ConflictPolicy = do_nothing.
type AddScheduleOptions struct {
	ID               string
	Args             json.RawMessage
	Kwargs           json.RawMessage
	Coalesce         models.CoalescePolicy
	MisfireGraceTime *time.Duration
	MaxJitter        *time.Duration
	Tags             []string
	ConflictPolicy   models.ConflictPolicy
}

// AddSchedule resolves funcOrID (a string task id or a task.Func) to a
// task id, computes the initial next_fire_time by calling trig.Next()
// once, and inserts the schedule under the given conflict policy
// (spec.md §4.5).
func (s *Scheduler) AddSchedule(ctx context.Context, funcOrID any, trig trigger.Trigger, opts AddScheduleOptions) (string, error) {
	taskID, err := s.resolveTask(ctx, funcOrID)
	if err != nil {
		return "", err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	next, err := trig.Next()
	if err != nil {
		return "", fmt.Errorf("scheduler: computing initial fire time: %w", err)
	}

	coalesce := opts.Coalesce
	if coalesce == "" {
		coalesce = models.CoalesceLatest
	}
	conflict := opts.ConflictPolicy
	if conflict == "" {
		conflict = models.ConflictDoNothing
	}

	sched := &models.Schedule{
		ID:           id,
		TaskID:       taskID,
		Args:         opts.Args,
		Kwargs:       opts.Kwargs,
		Coalesce:     coalesce,
		NextFireTime: next,
	}
	if err := sched.SetTrigger(trig); err != nil {
		return "", err
	}
	if opts.MisfireGraceTime != nil {
		secs := opts.MisfireGraceTime.Seconds()
		sched.MisfireGraceSecs = &secs
	}
	if opts.MaxJitter != nil {
		secs := opts.MaxJitter.Seconds()
		sched.MaxJitterSecs = &secs
	}
	if len(opts.Tags) > 0 {
		tagsJSON, err := json.Marshal(opts.Tags)
		if err != nil {
			return "", err
		}
		sched.Tags = tagsJSON
	}

	// Under conflict=replace, an existing schedule's contents are
	// overwritten rather than created fresh: check beforehand so the
	// correct event (ScheduleAdded vs ScheduleUpdated) is published. The
	// Lifecycle Manager's wakeup subscription listens for both (spec.md
	// §4.1 step 4), but only one of the two actually reflects what
	// happened here.
	replacesExisting := false
	if conflict == models.ConflictReplace {
		if _, err := s.store.GetSchedule(ctx, id); err == nil {
			replacesExisting = true
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}

	if err := s.store.AddSchedule(ctx, sched, conflict); err != nil {
		return "", err
	}
	if replacesExisting {
		s.broker.Publish(ctx, events.NewScheduleUpdated(id, taskID, next))
	} else {
		s.broker.Publish(ctx, events.NewScheduleAdded(id, taskID, next))
	}
	return id, nil
}

// AddJobOptions configures AddJob and RunJob.
type AddJobOptions struct {
	ID     *uuid.UUID
	Args   json.RawMessage
	Kwargs json.RawMessage
	Tags   []string
}

// AddJob resolves funcOrID and enqueues a Job directly, bypassing the
// scheduling loop (spec.md §4.5).
func (s *Scheduler) AddJob(ctx context.Context, funcOrID any, opts AddJobOptions) (uuid.UUID, error) {
	taskID, err := s.resolveTask(ctx, funcOrID)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	if opts.ID != nil {
		id = *opts.ID
	}

	var tagsJSON json.RawMessage
	if len(opts.Tags) > 0 {
		tagsJSON, err = json.Marshal(opts.Tags)
		if err != nil {
			return uuid.Nil, err
		}
	}

	job := &models.Job{
		ID:     id,
		TaskID: taskID,
		Args:   opts.Args,
		Kwargs: opts.Kwargs,
		Tags:   tagsJSON,
	}
	if err := s.store.AddJob(ctx, job); err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

// GetJobResult subscribes to JobReleased filtered to jobID before querying
// the store, so a result published strictly between the call entry and
// the store read is never missed (spec.md §4.5's mandatory ordering).
func (s *Scheduler) GetJobResult(ctx context.Context, jobID uuid.UUID, wait bool) (*models.JobResult, error) {
	resultCh := make(chan models.JobResult, 1)
	sub := s.broker.Subscribe(events.TypeJobReleased, func(_ context.Context, evt events.Event) {
		data, err := events.DataAs[events.JobReleasedData](evt)
		if err != nil || data.JobID != jobID {
			return
		}
		select {
		case resultCh <- data.Result:
		default:
		}
	})
	defer sub.Cancel()

	result, err := s.store.GetJobResult(ctx, jobID, 0)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	if !wait {
		return nil, fmt.Errorf("%w: job %s", ErrLookup, jobID)
	}

	select {
	case r := <-resultCh:
		return &r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunJob subscribes first, then adds the job, then waits, then translates
// the outcome to a return value or error per spec.md §7.
func (s *Scheduler) RunJob(ctx context.Context, funcOrID any, opts AddJobOptions) (json.RawMessage, error) {
	id := uuid.New()
	opts.ID = &id

	resultCh := make(chan models.JobResult, 1)
	sub := s.broker.Subscribe(events.TypeJobReleased, func(_ context.Context, evt events.Event) {
		data, err := events.DataAs[events.JobReleasedData](evt)
		if err != nil || data.JobID != id {
			return
		}
		select {
		case resultCh <- data.Result:
		default:
		}
	})
	defer sub.Cancel()

	if _, err := s.AddJob(ctx, funcOrID, opts); err != nil {
		return nil, err
	}

	select {
	case r := <-resultCh:
		return translateOutcome(r)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func translateOutcome(r models.JobResult) (json.RawMessage, error) {
	switch r.Outcome {
	case models.JobOutcomeSuccess:
		return r.ReturnValue, nil
	case models.JobOutcomeError:
		return nil, fmt.Errorf("scheduler: job %s failed: %s", r.JobID, r.Exception)
	case models.JobOutcomeMissedStartDeadline:
		return nil, fmt.Errorf("%w: job %s", ErrDeadlineMissed, r.JobID)
	case models.JobOutcomeCancelled:
		return nil, fmt.Errorf("%w: job %s", ErrCancelled, r.JobID)
	default:
		return nil, fmt.Errorf("scheduler: job %s has unrecognised outcome %q", r.JobID, r.Outcome)
	}
}

// GetSchedule and RemoveSchedule are thin data-store passthroughs
// (spec.md §4.5).
func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Scheduler) RemoveSchedule(ctx context.Context, id string) error {
	return s.store.RemoveSchedule(ctx, id)
}

// GetTaskHistory returns daily aggregate run statistics for a task since
// the given date, another thin data-store passthrough.
func (s *Scheduler) GetTaskHistory(ctx context.Context, taskID string, since time.Time) ([]*models.JobHistory, error) {
	return s.store.GetTaskHistory(ctx, taskID, since)
}

// resolveTask turns funcOrID into a registered task id. A string is used
// as-is (the task must already exist in the store); a task.Func is
// registered under its StableID and ensured in the store.
func (s *Scheduler) resolveTask(ctx context.Context, funcOrID any) (string, error) {
	switch v := funcOrID.(type) {
	case string:
		return v, nil
	case task.Func:
		id := task.StableID(v)
		s.registry.Register(id, v)
		if err := s.store.EnsureTask(ctx, id); err != nil {
			return "", err
		}
		return id, nil
	default:
		return "", fmt.Errorf("scheduler: funcOrID must be a string task id or task.Func, got %T", funcOrID)
	}
}
