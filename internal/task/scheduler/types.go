package scheduler

import (
	"errors"
	"time"

	"datapipe/internal/runtime/supervisor"
	"datapipe/internal/task/engine"
	"datapipe/internal/task/job"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
)

// Config controls the tick loop. Execution settings live in engine.Config.
type Config struct {
	// Tick is the interval between due checks. Default 1s.
	Tick time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	return c
}

type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// Snapshot is the scheduler's status view.
type Snapshot struct {
	State     string              `json:"state"`
	Tick      time.Duration       `json:"tick"`
	StartedAt *time.Time          `json:"started_at,omitempty"`
	Ticks     uint64              `json:"ticks"`
	LastTick  *time.Time          `json:"last_tick,omitempty"`
	Jobs      []job.State         `json:"jobs"`
	Engine    engine.Snapshot     `json:"engine"`
	Routines  supervisor.Snapshot `json:"routines"`
}
