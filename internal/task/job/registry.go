package job

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidJob   = errors.New("invalid job")
	ErrDuplicateJob = errors.New("duplicate job name")
	ErrSealed       = errors.New("job registry is sealed")
)

// Registry is the fixed catalogue of jobs, built once at startup. After Seal
// no further registrations are accepted.
type Registry struct {
	mu     sync.RWMutex
	jobs   []*Job
	byName map[string]*Job
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]*Job{}}
}

func (r *Registry) Register(name string, cadence Cadence, h Handler, opts ...Option) (*Job, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: name required", ErrInvalidJob)
	case cadence == nil:
		return nil, fmt.Errorf("%w: %s: cadence required", ErrInvalidJob, name)
	case h == nil:
		return nil, fmt.Errorf("%w: %s: handler required", ErrInvalidJob, name)
	}

	j := &Job{name: name, cadence: cadence, handler: h}
	for _, o := range opts {
		o(&j.opts)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil, fmt.Errorf("%w: cannot register %s", ErrSealed, name)
	}
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	r.jobs = append(r.jobs, j)
	r.byName[name] = j
	return j, nil
}

func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

func (r *Registry) Get(name string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.byName[strings.TrimSpace(name)]
	return j, ok
}

// All returns the jobs in registration order.
func (r *Registry) All() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.name)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Due returns the jobs due at now, in registration order.
func (r *Registry) Due(now time.Time) []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Job
	for _, j := range r.jobs {
		if j.Due(now) {
			out = append(out, j)
		}
	}
	return out
}

func (r *Registry) Snapshot(now time.Time) []State {
	jobs := r.All()
	out := make([]State, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.State(now))
	}
	return out
}
