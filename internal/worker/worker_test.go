package worker

import (
	"context"
	"encoding/json"
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
)

// fakeJobStore is a minimal store.DataStore double exercising only the
// job half of the contract, enough to drive Pool.Run in isolation.
type fakeJobStore struct {
	store.DataStore
	jobs     []*models.Job
	released []models.JobResult
}

func (f *fakeJobStore) AcquireJobs(_ context.Context, _ string, limit int, _ time.Duration) ([]*models.Job, error) {
	if len(f.jobs) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(f.jobs) {
		n = len(f.jobs)
	}
	claimed := f.jobs[:n]
	f.jobs = f.jobs[n:]
	return claimed, nil
}

func (f *fakeJobStore) ReleaseJobs(_ context.Context, _ string, results []models.JobResult) error {
	f.released = append(f.released, results...)
	return nil
}

func TestPoolExecutesJobAndPublishesSuccessOutcome(t *testing.T) {
	fn := task.Func(func(_ task.Context, _ []json.RawMessage, kwargs map[string]json.RawMessage) (any, error) {
		return map[string]string{"status": "ok"}, nil
	})
	registry := task.NewRegistry()
	taskID := task.StableID(fn)
	registry.Register(taskID, fn)

	st := &fakeJobStore{jobs: []*models.Job{{ID: uuid.New(), TaskID: taskID}}}
	broker := eventbroker.NewLocalBroker()

	released := make(chan models.JobResult, 1)
	broker.Subscribe(events.TypeJobReleased, func(_ context.Context, evt events.Event) {
		data, err := events.DataAs[events.JobReleasedData](evt)
		require.NoError(t, err)
		released <- data.Result
	})

	pool := New(Options{PollInterval: 10 * time.Millisecond}, st, broker, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() { _ = pool.Run(ctx, "test-worker") }()

	select {
	case result := <-released:
		assert.Equal(t, models.JobOutcomeSuccess, result.Outcome)
	case <-time.After(time.Second):
		t.Fatal("job was never released")
	}
}

func TestPoolMarksJobMissedStartDeadline(t *testing.T) {
	fn := task.Func(func(_ task.Context, _ []json.RawMessage, _ map[string]json.RawMessage) (any, error) {
		return nil, nil
	})
	registry := task.NewRegistry()
	taskID := task.StableID(fn)
	registry.Register(taskID, fn)

	past := time.Now().Add(-time.Hour)
	st := &fakeJobStore{jobs: []*models.Job{{ID: uuid.New(), TaskID: taskID, StartDeadline: &past}}}
	broker := eventbroker.NewLocalBroker()

	released := make(chan models.JobResult, 1)
	broker.Subscribe(events.TypeJobReleased, func(_ context.Context, evt events.Event) {
		data, _ := events.DataAs[events.JobReleasedData](evt)
		released <- data.Result
	})

	pool := New(Options{PollInterval: 10 * time.Millisecond}, st, broker, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() { _ = pool.Run(ctx, "test-worker") }()

	select {
	case result := <-released:
		assert.Equal(t, models.JobOutcomeMissedStartDeadline, result.Outcome)
	case <-time.After(time.Second):
		t.Fatal("job was never released")
	}
}

func TestPoolMarksUnregisteredTaskAsError(t *testing.T) {
	registry := task.NewRegistry()
	st := &fakeJobStore{jobs: []*models.Job{{ID: uuid.New(), TaskID: "no-such-task"}}}
	broker := eventbroker.NewLocalBroker()

	released := make(chan models.JobResult, 1)
	broker.Subscribe(events.TypeJobReleased, func(_ context.Context, evt events.Event) {
		data, _ := events.DataAs[events.JobReleasedData](evt)
		released <- data.Result
	})

	pool := New(Options{PollInterval: 10 * time.Millisecond}, st, broker, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() { _ = pool.Run(ctx, "test-worker") }()

	select {
	case result := <-released:
		assert.Equal(t, models.JobOutcomeError, result.Outcome)
		assert.NotEmpty(t, result.Exception)
	case <-time.After(time.Second):
		t.Fatal("job was never released")
	}
}
