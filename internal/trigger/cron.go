package trigger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const KindCron = "cron"

var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cron is a recurring trigger driven by a six-field cron expression
// (seconds first) or a descriptor such as "@hourly"; five-field expressions
// without seconds are rejected. It is parsed with the teacher's robfig/cron
// parser configuration (adapted
// from internal/scheduler.Scheduler.cronParser in the teacher repo).
type Cron struct {
	expr     string
	loc      *time.Location
	schedule cron.Schedule
	cursor   time.Time
}

type cronState struct {
	Expr     string    `json:"expr"`
	Timezone string    `json:"timezone"`
	Cursor   time.Time `json:"cursor"`
}

// NewCron parses expr (in the given IANA timezone, UTC if empty) and
// positions the cursor at `start` (time.Now() if zero).
func NewCron(expr, timezone string, start time.Time) (*Cron, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("trigger: invalid timezone %q: %w", timezone, err)
		}
		loc = l
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("trigger: invalid cron expression %q: %w", expr, err)
	}
	if start.IsZero() {
		start = time.Now()
	}
	return &Cron{expr: expr, loc: loc, schedule: sched, cursor: start.In(loc)}, nil
}

func newCronFromState(raw json.RawMessage) (Trigger, error) {
	var st cronState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("trigger: decoding cron state: %w", err)
	}
	return NewCron(st.Expr, st.Timezone, st.Cursor)
}

func (c *Cron) Next() (*time.Time, error) {
	next := c.schedule.Next(c.cursor)
	if next.IsZero() {
		return nil, nil
	}
	c.cursor = next
	t := next.UTC()
	return &t, nil
}

func (c *Cron) Kind() string { return KindCron }

func (c *Cron) MarshalState() (json.RawMessage, error) {
	return json.Marshal(cronState{
		Expr:     c.expr,
		Timezone: c.loc.String(),
		Cursor:   c.cursor,
	})
}
