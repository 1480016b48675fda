package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cadence decides when a job becomes due again. Next returns the earliest
// instant at which a job last started at last may start again.
type Cadence interface {
	Next(last time.Time) time.Time
	String() string
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type every time.Duration

// Every is a fixed start-to-start interval: due when now - last >= d.
func Every(d time.Duration) Cadence { return every(d) }

func (e every) Next(last time.Time) time.Time { return last.Add(time.Duration(e)) }
func (e every) String() string                { return "@every " + time.Duration(e).String() }

type cronCadence struct {
	expr  string
	sched cron.Schedule
}

// Cron parses a crontab expression ("*/5 * * * *", "0 30 * * * *", "@hourly").
// The job is due once now reaches the schedule's next activation after last.
func Cron(expr string) (Cadence, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return cronCadence{expr: expr, sched: sched}, nil
}

func (c cronCadence) Next(last time.Time) time.Time { return c.sched.Next(last) }
func (c cronCadence) String() string                { return c.expr }

// dueAt reports whether a job last started at last is due at now.
func dueAt(c Cadence, last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return !now.Before(c.Next(last))
}
