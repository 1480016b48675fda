package engine

import (
	"time"

	"datapipe/internal/task/job"
)

// Config controls job execution.
//
// The scheduler decides when a job runs; the engine decides whether a slot is
// free, runs the handler in isolation and records the outcome.
type Config struct {
	// MaxConcurrent caps in-flight executions across all jobs. 0 = unbounded.
	MaxConcurrent int

	// DefaultTimeout applies when a job has no timeout of its own. 0 = none.
	DefaultTimeout time.Duration

	HistorySize int

	// Executions slower than this are logged at INFO instead of DEBUG.
	SlowThreshold time.Duration

	// Circuit breaker (consecutive failures). CircuitTripFailures <= 0
	// disables it unless a job sets its own threshold.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent < 0 {
		c.MaxConcurrent = 0
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 750 * time.Millisecond
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 30 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 30 * time.Minute
	}
	if c.CircuitMaxDelay < c.CircuitBaseDelay {
		c.CircuitMaxDelay = c.CircuitBaseDelay
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = time.Hour
	}
	return c
}

// JobEvent is the payload of job lifecycle events on the bus.
type JobEvent struct {
	ID       string        `json:"id"`
	Job      string        `json:"job"`
	Trigger  job.Trigger   `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`

	Result *job.ExecutionResult `json:"-"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	MaxConcurrent  int           `json:"max_concurrent"`
	InFlight       int           `json:"in_flight"`
	Closed         bool          `json:"closed"`
	DefaultTimeout time.Duration `json:"default_timeout"`

	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Panics     uint64 `json:"panics"`
	Skipped    uint64 `json:"skipped"`
	NoSlot     uint64 `json:"no_slot"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []job.ExecutionResult `json:"history"`
}
