// Package trigger provides concrete Trigger implementations. Trigger
// next-time arithmetic is, per the scheduler's own contract, an external
// concern (the scheduler core only ever calls Trigger.Next); this package
// ships reference implementations so the runtime is usable end to end,
// the way the teacher repo shipped CalculateNextRun next to its loop.
package trigger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Trigger yields the next intended fire time, or nil if exhausted. Next
// must be safe to call repeatedly within a single scheduling-loop
// iteration and must not perform I/O.
type Trigger interface {
	// Next returns the next fire time strictly after the trigger's
	// internal cursor, advancing that cursor. A nil time with a nil
	// error means the trigger is exhausted.
	Next() (*time.Time, error)

	// Kind identifies the trigger type for persistence/reconstruction.
	Kind() string
}

// Serialize encodes a Trigger's reconstruction state as JSON.
func Serialize(t Trigger) (json.RawMessage, error) {
	type marshaler interface {
		MarshalState() (json.RawMessage, error)
	}
	if m, ok := t.(marshaler); ok {
		return m.MarshalState()
	}
	return nil, fmt.Errorf("trigger: %T does not support serialization", t)
}

// Deserialize reconstructs a Trigger from its kind and serialized state.
func Deserialize(kind string, state json.RawMessage) (Trigger, error) {
	switch kind {
	case KindCron:
		return newCronFromState(state)
	case KindInterval:
		return newIntervalFromState(state)
	case KindOnce:
		return newOnceFromState(state)
	default:
		return nil, fmt.Errorf("trigger: unknown kind %q", kind)
	}
}
