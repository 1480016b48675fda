package job

import (
	"fmt"
	"time"
)

// Trigger names what caused an execution.
type Trigger string

const (
	TriggerStartup Trigger = "startup"
	TriggerTick    Trigger = "tick"
	TriggerManual  Trigger = "manual"
	TriggerRunAll  Trigger = "run_all"
	TriggerRunOne  Trigger = "run_one"
)

// ExecutionResult is the append-only record of one execution attempt.
type ExecutionResult struct {
	ID         string    `json:"id"`
	JobName    string    `json:"job"`
	Trigger    Trigger   `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  bool      `json:"succeeded"`
	Skipped    bool      `json:"skipped,omitempty"`
	Error      string    `json:"error,omitempty"`

	Err error `json:"-"`
}

func (r ExecutionResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status is PASS, FAIL or SKIP.
func (r ExecutionResult) Status() string {
	switch {
	case r.Skipped:
		return "SKIP"
	case r.Succeeded:
		return "PASS"
	default:
		return "FAIL"
	}
}

// JobError wraps any failure of a handler: fetch, persistence or panic.
type JobError struct {
	Job string
	Err error
}

func (e *JobError) Error() string { return fmt.Sprintf("job %s: %v", e.Job, e.Err) }
func (e *JobError) Unwrap() error { return e.Err }
