package fireengine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minisource/distsched/internal/models"
)

// fixedTrigger replays a canned sequence of Next() results, letting tests
// drive the engine through an arbitrary backlog without a real clock.
type fixedTrigger struct {
	times []*time.Time
	i     int
}

func (f *fixedTrigger) Next() (*time.Time, error) {
	if f.i >= len(f.times) {
		return nil, nil
	}
	t := f.times[f.i]
	f.i++
	return t, nil
}

func (f *fixedTrigger) Kind() string { return "fixed" }

func at(base time.Time, seconds int) *time.Time {
	t := base.Add(time.Duration(seconds) * time.Second)
	return &t
}

func TestAdvanceNoBacklogFiresOnceAndAdvancesNextFireTime(t *testing.T) {
	now := time.Now()
	due := now.Add(-time.Minute)
	trig := &fixedTrigger{times: []*time.Time{at(now, 60)}}

	result, err := Advance(due, now, trig, models.CoalesceLatest, nil, rand.New(rand.NewSource(1)))

	require.NoError(t, err)
	require.Len(t, result.FireTimes, 1)
	assert.Equal(t, due, result.FireTimes[0].Time)
	assert.NotNil(t, result.NextFireTime)
	assert.True(t, result.NextFireTime.Equal(*at(now, 60)))
}

func TestAdvanceExhaustedTriggerClearsNextFireTime(t *testing.T) {
	now := time.Now()
	due := now.Add(-time.Minute)
	trig := &fixedTrigger{times: nil}

	result, err := Advance(due, now, trig, models.CoalesceLatest, nil, rand.New(rand.NewSource(1)))

	require.NoError(t, err)
	require.Len(t, result.FireTimes, 1)
	assert.Nil(t, result.NextFireTime)
}

func TestCoalesceAllKeepsEveryMissedFire(t *testing.T) {
	now := time.Now()
	due := now.Add(-3 * time.Minute)
	trig := &fixedTrigger{times: []*time.Time{
		at(now, -120), at(now, -60), at(now, 60),
	}}

	result, err := Advance(due, now, trig, models.CoalesceAll, nil, rand.New(rand.NewSource(1)))

	require.NoError(t, err)
	require.Len(t, result.FireTimes, 3)
	assert.True(t, result.FireTimes[0].Time.Equal(due))
	assert.True(t, result.FireTimes[1].Time.Equal(*at(now, -120)))
	assert.True(t, result.FireTimes[2].Time.Equal(*at(now, -60)))
	assert.True(t, result.NextFireTime.Equal(*at(now, 60)))
}

func TestCoalesceLatestCollapsesBacklogToOneFire(t *testing.T) {
	now := time.Now()
	due := now.Add(-3 * time.Minute)
	trig := &fixedTrigger{times: []*time.Time{
		at(now, -120), at(now, -60), at(now, 60),
	}}

	result, err := Advance(due, now, trig, models.CoalesceLatest, nil, rand.New(rand.NewSource(1)))

	require.NoError(t, err)
	require.Len(t, result.FireTimes, 1)
	assert.True(t, result.FireTimes[0].Time.Equal(*at(now, -60)))
	assert.True(t, result.NextFireTime.Equal(*at(now, 60)))
}

func TestCoalesceEarliestDiscardsBacklogKeepingFirstEntry(t *testing.T) {
	now := time.Now()
	due := now.Add(-3 * time.Minute)
	trig := &fixedTrigger{times: []*time.Time{
		at(now, -120), at(now, -60), at(now, 60),
	}}

	result, err := Advance(due, now, trig, models.CoalesceEarliest, nil, rand.New(rand.NewSource(1)))

	require.NoError(t, err)
	require.Len(t, result.FireTimes, 1)
	assert.True(t, result.FireTimes[0].Time.Equal(due))
	assert.True(t, result.NextFireTime.Equal(*at(now, 60)))
}

// TestJitterNeverReachesOrPassesFollowingFireTime runs many trials with
// randomised backlogs and a random max_jitter, asserting the invariant from
// spec.md §4.3: jitter must never push a fire time to or past the next one.
func TestJitterNeverReachesOrPassesFollowingFireTime(t *testing.T) {
	now := time.Now()
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 10000; trial++ {
		due := now.Add(-time.Duration(rng.Intn(600)+1) * time.Second)
		backlogCount := rng.Intn(4)
		times := make([]*time.Time, 0, backlogCount+1)
		cursor := due
		for i := 0; i < backlogCount; i++ {
			cursor = cursor.Add(time.Duration(rng.Intn(30)+1) * time.Second)
			missed := cursor
			times = append(times, &missed)
		}
		future := cursor.Add(time.Duration(rng.Intn(120)+1) * time.Second)
		times = append(times, &future)

		trig := &fixedTrigger{times: times}
		maxJitter := time.Duration(rng.Intn(60)) * time.Second

		result, err := Advance(due, now, trig, models.CoalesceAll, &maxJitter, rng)
		require.NoError(t, err)

		for i := 0; i+1 < len(result.FireTimes); i++ {
			assert.True(t, result.FireTimes[i].Time.Before(result.FireTimes[i+1].Time),
				"trial %d: jittered fire time %d (%s) must stay strictly before fire time %d (%s)",
				trial, i, result.FireTimes[i].Time, i+1, result.FireTimes[i+1].Time)
		}
		if result.NextFireTime != nil && len(result.FireTimes) > 0 {
			last := result.FireTimes[len(result.FireTimes)-1]
			assert.True(t, last.Time.Before(*result.NextFireTime),
				"trial %d: last jittered fire time must stay strictly before next_fire_time", trial)
		}
	}
}

func TestJitterZeroWhenMaxJitterNil(t *testing.T) {
	now := time.Now()
	due := now.Add(-time.Minute)
	trig := &fixedTrigger{times: []*time.Time{at(now, 60)}}

	result, err := Advance(due, now, trig, models.CoalesceLatest, nil, rand.New(rand.NewSource(7)))

	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), result.FireTimes[0].Jitter)
}

func TestLastFireTimeReflectsFinalJitteredFire(t *testing.T) {
	now := time.Now()
	due := now.Add(-time.Minute)
	trig := &fixedTrigger{times: []*time.Time{at(now, 60)}}

	result, err := Advance(due, now, trig, models.CoalesceLatest, nil, rand.New(rand.NewSource(1)))

	require.NoError(t, err)
	require.NotNil(t, result.LastFireTime)
	assert.True(t, result.LastFireTime.Equal(result.FireTimes[len(result.FireTimes)-1].Time))
}
