// Package worker provides a reference in-process worker: the scheduler
// core treats job execution as an external concern (spec.md §1 Non-goals),
// but this package ships a concrete implementation the way the teacher
// repo ships its own WorkerPool (internal/scheduler/worker.go) next to the
// scheduling loop, so the whole runtime is usable out of the box.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/minisource/distsched/internal/events"
	"github.com/minisource/distsched/internal/eventbroker"
	"github.com/minisource/distsched/internal/models"
	"github.com/minisource/distsched/internal/store"
	"github.com/minisource/distsched/internal/task"
)

// Options configures a Pool.
type Options struct {
	// Concurrency is the number of jobs executed at once. Defaults to 1.
	Concurrency int
	// BatchSize caps AcquireJobs per poll. Defaults to 10.
	BatchSize int
	// PollInterval is the fallback cadence for AcquireJobs when no jobs
	// were found on the previous poll. Defaults to 500ms.
	PollInterval time.Duration
	// ClaimLease is how long an acquired job stays claimed by this pool.
	ClaimLease time.Duration
	Logger     *log.Logger
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Pool repeatedly claims jobs from a store.DataStore and executes them
// through a task.Registry, publishing JobReleased on completion. Its Run
// method satisfies scheduler.WorkerRunFunc, so it can be handed straight
// to scheduler.New as the in-process worker.
type Pool struct {
	opts     Options
	store    store.DataStore
	broker   eventbroker.Broker
	registry *task.Registry
	sem      chan struct{}
}

// New constructs a Pool sharing the same store and broker as its host
// scheduler.
func New(opts Options, st store.DataStore, broker eventbroker.Broker, registry *task.Registry) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		opts:     opts,
		store:    st,
		broker:   broker,
		registry: registry,
		sem:      make(chan struct{}, opts.Concurrency),
	}
}

// Run polls the store for claimable jobs until ctx is cancelled, dispatching
// each to its own goroutine bounded by opts.Concurrency. It matches the
// scheduler.WorkerRunFunc signature.
func (p *Pool) Run(ctx context.Context, identity string) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		jobs, err := p.store.AcquireJobs(ctx, identity, p.opts.BatchSize, p.opts.ClaimLease)
		if err != nil {
			p.opts.Logger.Printf("worker: acquire_jobs failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			continue
		}

		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			continue
		}

		for _, job := range jobs {
			job := job
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-p.sem }()
				p.execute(ctx, identity, job)
			}()
		}
	}
}

// execute runs a single job's task body and releases it with the outcome,
// mirroring the teacher's processJob/handleExecutionFailure split
// (internal/scheduler/scheduler.go) collapsed into the taxonomy of
// spec.md §7: success, error, missed_start_deadline, cancelled.
func (p *Pool) execute(ctx context.Context, identity string, job *models.Job) {
	result := models.JobResult{JobID: job.ID}

	if job.StartDeadline != nil && time.Now().After(*job.StartDeadline) {
		result.Outcome = models.JobOutcomeMissedStartDeadline
		p.release(ctx, identity, result)
		return
	}

	fn, ok := p.registry.Lookup(job.TaskID)
	if !ok {
		result.Outcome = models.JobOutcomeError
		result.Exception = "worker: no task registered for id " + job.TaskID
		p.release(ctx, identity, result)
		return
	}

	taskCtx := task.Context{JobID: job.ID.String()}
	if job.ScheduleID != nil {
		taskCtx.ScheduleID = *job.ScheduleID
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if job.StartDeadline != nil {
		runCtx, cancel = context.WithDeadline(ctx, *job.StartDeadline)
		defer cancel()
	}

	returnValue, err := p.invoke(runCtx, fn, taskCtx, job)
	select {
	case <-ctx.Done():
		result.Outcome = models.JobOutcomeCancelled
		p.release(ctx, identity, result)
		return
	default:
	}

	if err != nil {
		result.Outcome = models.JobOutcomeError
		result.Exception = err.Error()
		p.release(ctx, identity, result)
		return
	}

	result.Outcome = models.JobOutcomeSuccess
	result.ReturnValue = returnValue
	p.release(ctx, identity, result)
}

func (p *Pool) invoke(_ context.Context, fn task.Func, taskCtx task.Context, job *models.Job) ([]byte, error) {
	args, err := decodeArgs(job.Args)
	if err != nil {
		return nil, err
	}
	kwargs, err := decodeKwargs(job.Kwargs)
	if err != nil {
		return nil, err
	}

	ret, err := fn(taskCtx, args, kwargs)
	if err != nil {
		return nil, err
	}
	return encodeReturnValue(ret)
}

func (p *Pool) release(ctx context.Context, identity string, result models.JobResult) {
	if err := p.store.ReleaseJobs(ctx, identity, []models.JobResult{result}); err != nil {
		p.opts.Logger.Printf("worker: release_jobs failed for job %s: %v", result.JobID, err)
		return
	}
	p.broker.Publish(ctx, events.NewJobReleased(result))
}
