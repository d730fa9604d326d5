// Package fireengine implements the fire-time computation described in
// spec.md §4.3: given a due schedule and the current instant, produce the
// ordered list of fire times for which jobs must be created plus the
// schedule's new next_fire_time. It performs no I/O and is a pure function
// of (schedule, now, random source), which makes it directly property
// testable.
package fireengine

import (
	"math/rand"
	"time"

	"github.com/minisource/distsched/internal/models"
	"github.com/minisource/distsched/internal/trigger"
)

// FireTime is one computed occurrence: the jittered instant a job should
// be created for, and the jitter that was applied to reach it.
type FireTime struct {
	Time   time.Time
	Jitter time.Duration
}

// Result is the outcome of Advance.
type Result struct {
	FireTimes    []FireTime
	NextFireTime *time.Time
	LastFireTime *time.Time
}

// Advance runs the fire-time algorithm for one due schedule. due is the
// schedule's next_fire_time at entry (the moment that made it due); now is
// the iteration's captured instant; t is the schedule's live trigger; rng
// supplies jitter randomness (pass a seeded *rand.Rand for deterministic
// tests, or rand.New(rand.NewSource(time.Now().UnixNano())) in production).
func Advance(due time.Time, now time.Time, t trigger.Trigger, coalesce models.CoalescePolicy, maxJitter *time.Duration, rng *rand.Rand) (Result, error) {
	raw := []time.Time{due}

	for {
		next, err := t.Next()
		if err != nil {
			return Result{}, err
		}
		if next == nil {
			return finish(raw, nil, maxJitter, rng), nil
		}
		if next.After(now) {
			nft := *next
			return finish(raw, &nft, maxJitter, rng), nil
		}
		switch coalesce {
		case models.CoalesceAll:
			raw = append(raw, *next)
		case models.CoalesceEarliest:
			// discard; keep the original first entry
		default: // models.CoalesceLatest
			raw[0] = *next
		}
	}
}

func finish(raw []time.Time, nextFireTime *time.Time, maxJitter *time.Duration, rng *rand.Rand) Result {
	fireTimes := make([]FireTime, len(raw))
	for i, ft := range raw {
		bound := boundFor(i, raw, nextFireTime)
		jitter := computeJitter(ft, bound, maxJitter, rng)
		fireTimes[i] = FireTime{Time: ft.Add(jitter), Jitter: jitter}
	}

	result := Result{FireTimes: fireTimes, NextFireTime: nextFireTime}
	if len(fireTimes) > 0 {
		last := fireTimes[len(fireTimes)-1].Time
		result.LastFireTime = &last
	}
	return result
}

// boundFor returns the instant the jittered fire time at index i must stay
// strictly before: the next entry in raw, or nextFireTime if i is the last
// entry, or nil if there is no following instant to bound against.
func boundFor(i int, raw []time.Time, nextFireTime *time.Time) *time.Time {
	if i+1 < len(raw) {
		t := raw[i+1]
		return &t
	}
	return nextFireTime
}

const jitterMargin = time.Microsecond

func computeJitter(fireTime time.Time, bound *time.Time, maxJitter *time.Duration, rng *rand.Rand) time.Duration {
	if maxJitter == nil || *maxJitter <= 0 {
		return 0
	}
	limit := *maxJitter
	if bound != nil {
		room := bound.Sub(fireTime) - jitterMargin
		if room <= 0 {
			return 0
		}
		if room < limit {
			limit = room
		}
	}
	if limit <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(limit) + 1))
}
