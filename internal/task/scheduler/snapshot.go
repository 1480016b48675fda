package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	state := s.state
	startedAt := s.startedAt
	sup := s.sup
	s.mu.Unlock()

	now := s.now()
	snap := Snapshot{
		State:  state.String(),
		Tick:   s.cfg.Tick,
		Ticks:  s.ticks.Load(),
		Jobs:   s.registry.Snapshot(now),
		Engine: s.engine.Snapshot(),
	}
	if !startedAt.IsZero() {
		snap.StartedAt = &startedAt
	}
	if ns := s.lastTick.Load(); ns != 0 {
		lt := time.Unix(0, ns)
		snap.LastTick = &lt
	}
	if sup != nil {
		snap.Routines = sup.Snapshot()
	}
	return snap
}
