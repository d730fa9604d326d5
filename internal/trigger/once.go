package trigger

import (
	"encoding/json"
	"fmt"
	"time"
)

const KindOnce = "once"

// Once is a one-shot trigger: it fires exactly once at a fixed instant,
// then is exhausted. Mirrors the teacher's JobTypeOneTime.
type Once struct {
	fireAt time.Time
	fired  bool
}

type onceState struct {
	FireAt time.Time `json:"fire_at"`
	Fired  bool      `json:"fired"`
}

// NewOnce creates a trigger that fires a single time at fireAt.
func NewOnce(fireAt time.Time) *Once {
	return &Once{fireAt: fireAt}
}

func newOnceFromState(raw json.RawMessage) (Trigger, error) {
	var st onceState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("trigger: decoding once state: %w", err)
	}
	o := NewOnce(st.FireAt)
	o.fired = st.Fired
	return o, nil
}

func (o *Once) Next() (*time.Time, error) {
	if o.fired {
		return nil, nil
	}
	o.fired = true
	t := o.fireAt.UTC()
	return &t, nil
}

func (o *Once) Kind() string { return KindOnce }

func (o *Once) MarshalState() (json.RawMessage, error) {
	return json.Marshal(onceState{FireAt: o.fireAt, Fired: o.fired})
}
