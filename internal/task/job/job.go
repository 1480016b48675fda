// Package job holds the static job catalogue: jobs, their cadences, handler
// adapters and the registry the scheduler consults on every tick.
package job

import (
	"sync"
	"time"
)

// Job is a named unit of work. Its cadence and handler never change after
// registration; run state changes only through MarkRunning and MarkDone.
type Job struct {
	name    string
	cadence Cadence
	handler Handler
	opts    options

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	lastRunAt time.Time
	last      ExecutionResult
	runs      uint64
	failures  uint64
	skips     uint64
}

type options struct {
	timeout     time.Duration
	circuitTrip int
	description string
}

// Option configures a job at registration.
type Option func(*options)

// WithTimeout bounds each execution. Zero leaves the handler unbounded.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithCircuitTripFailures overrides the engine's circuit breaker threshold.
// Negative disables the breaker for this job; zero keeps the engine default.
func WithCircuitTripFailures(n int) Option { return func(o *options) { o.circuitTrip = n } }

func WithDescription(s string) Option { return func(o *options) { o.description = s } }

func (j *Job) Name() string             { return j.name }
func (j *Job) Cadence() Cadence         { return j.cadence }
func (j *Job) Handler() Handler         { return j.handler }
func (j *Job) Timeout() time.Duration   { return j.opts.timeout }
func (j *Job) CircuitTripFailures() int { return j.opts.circuitTrip }
func (j *Job) Description() string      { return j.opts.description }

// MarkRunning claims the job for one execution. It returns false if an
// execution is already in flight.
func (j *Job) MarkRunning(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return false
	}
	j.running = true
	j.startedAt = now
	return true
}

// MarkDone releases the job and records res. lastRunAt becomes the start
// time of the execution so cadence is measured start-to-start.
func (j *Job) MarkDone(res ExecutionResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = false
	started := res.StartedAt
	if started.IsZero() {
		started = j.startedAt
	}
	j.startedAt = time.Time{}
	j.lastRunAt = started
	j.last = res
	j.runs++
	if !res.Succeeded {
		j.failures++
	}
}

// NoteSkipped counts an execution that was refused before it started.
func (j *Job) NoteSkipped() {
	j.mu.Lock()
	j.skips++
	j.mu.Unlock()
}

// Due reports whether the job should start at now: never run, or its cadence
// has elapsed, and not currently running.
func (j *Job) Due(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.running && dueAt(j.cadence, j.lastRunAt, now)
}

func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Job) LastRunAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRunAt
}

// State is a point-in-time view of a job for status output.
type State struct {
	Name        string     `json:"name"`
	Cadence     string     `json:"cadence"`
	Description string     `json:"description,omitempty"`
	Running     bool       `json:"running"`
	RunningFor  string     `json:"running_for,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextDueAt   *time.Time `json:"next_due_at,omitempty"`
	Runs        uint64     `json:"runs"`
	Failures    uint64     `json:"failures"`
	Skips       uint64     `json:"skips"`
	LastStatus  string     `json:"last_status,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

func (j *Job) State(now time.Time) State {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := State{
		Name:        j.name,
		Cadence:     j.cadence.String(),
		Description: j.opts.description,
		Running:     j.running,
		Runs:        j.runs,
		Failures:    j.failures,
		Skips:       j.skips,
	}
	if j.running && !j.startedAt.IsZero() {
		st.RunningFor = now.Sub(j.startedAt).Truncate(time.Millisecond).String()
	}
	if !j.lastRunAt.IsZero() {
		last := j.lastRunAt
		next := j.cadence.Next(last)
		st.LastRunAt = &last
		st.NextDueAt = &next
		st.LastStatus = j.last.Status()
		st.LastError = j.last.Error
	}
	return st
}
