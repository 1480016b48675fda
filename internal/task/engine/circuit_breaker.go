package engine

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failures of one job.
//
//   - On success: failures reset and the circuit closes.
//   - On failure: once failures >= trip the circuit opens for an
//     exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

// effectiveCircuit merges the engine threshold with a job override: a
// negative override disables, zero inherits, positive replaces.
func effectiveCircuit(cfg Config, override int) (circuitCfg, bool) {
	trip := cfg.CircuitTripFailures
	switch {
	case override < 0:
		return circuitCfg{}, false
	case override > 0:
		trip = override
	}
	if trip <= 0 {
		return circuitCfg{}, false
	}
	return circuitCfg{trip: trip, baseDelay: cfg.CircuitBaseDelay, maxDelay: cfg.CircuitMaxDelay, resetAfter: cfg.CircuitResetAfter}, true
}

// stateLocked returns the job's state, resetting it when the last failure is
// older than resetAfter.
func (s *circuitStore) stateLocked(name string, now time.Time, cc circuitCfg) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[name]
	if st == nil {
		st = &circuitState{}
		s.m[name] = st
	}
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	return st
}

func (s *circuitStore) isOpen(name string, now time.Time, cfg Config, override int) (bool, time.Time) {
	cc, ok := effectiveCircuit(cfg, override)
	if !ok {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(name, now, cc)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(name string, now time.Time, cfg Config, override int, failed bool) {
	cc, ok := effectiveCircuit(cfg, override)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(name, now, cc)

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}

	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip; i++ {
		d *= 2
		if d >= cc.maxDelay {
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}

func (s *circuitStore) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.m)
	for _, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
