package trigger

import (
	"encoding/json"
	"fmt"
	"time"
)

const KindInterval = "interval"

// Interval is a fixed-period recurring trigger, analogous to the
// teacher's JobTypeInterval handling in CalculateNextRun, generalised
// to a standalone Trigger.
type Interval struct {
	period time.Duration
	cursor time.Time
}

type intervalState struct {
	PeriodNanos int64     `json:"period_nanos"`
	Cursor      time.Time `json:"cursor"`
}

// NewInterval creates a trigger that fires every period, starting at
// start (time.Now() if zero).
func NewInterval(period time.Duration, start time.Time) (*Interval, error) {
	if period <= 0 {
		return nil, fmt.Errorf("trigger: interval period must be positive, got %s", period)
	}
	if start.IsZero() {
		start = time.Now()
	}
	return &Interval{period: period, cursor: start}, nil
}

func newIntervalFromState(raw json.RawMessage) (Trigger, error) {
	var st intervalState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("trigger: decoding interval state: %w", err)
	}
	return NewInterval(time.Duration(st.PeriodNanos), st.Cursor)
}

func (i *Interval) Next() (*time.Time, error) {
	i.cursor = i.cursor.Add(i.period)
	t := i.cursor.UTC()
	return &t, nil
}

func (i *Interval) Kind() string { return KindInterval }

func (i *Interval) MarshalState() (json.RawMessage, error) {
	return json.Marshal(intervalState{PeriodNanos: int64(i.period), Cursor: i.cursor})
}
