package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"datapipe/internal/runtime/supervisor"
	"datapipe/internal/task/engine"
	"datapipe/internal/task/job"
	logx "datapipe/pkg/logx"

	"golang.org/x/sync/errgroup"
)

type Service struct {
	mu sync.Mutex

	cfg      Config
	log      logx.Logger
	registry *job.Registry
	engine   *engine.Service
	now      func() time.Time

	state     State
	startedAt time.Time
	stopCh    chan struct{}
	sup       *supervisor.Supervisor

	ticks    atomic.Uint64
	lastTick atomic.Int64
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, reg *job.Registry, eng *engine.Service, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		registry: reg,
		engine:   eng,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Registry() *job.Registry { return s.registry }
func (s *Service) Engine() *engine.Service { return s.engine }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves Stopped to Running, dispatches every due job at once (all of
// them at cold start) and then runs the tick loop under a supervisor.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		s.log.Warn("start requested while already running")
		return nil
	}
	s.state = StateRunning
	s.startedAt = s.now()
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	sup := supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	s.registry.Seal()
	n := s.tick(s.now(), job.TriggerStartup)
	s.log.Info("scheduler started",
		logx.Int("jobs", s.registry.Len()),
		logx.Int("dispatched", n),
		logx.Duration("tick", s.cfg.Tick),
	)

	sup.GoRestart("tick", func(c context.Context) error {
		return s.loop(c, stopCh)
	}, supervisor.WithRestartBackoff(s.cfg.Tick, 30*time.Second))
	return nil
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-t.C:
			// A stop that raced with this tick wins.
			select {
			case <-stopCh:
				return nil
			default:
			}
			s.tick(s.now(), job.TriggerTick)
		}
	}
}

// tick dispatches every due job that gets a slot and returns how many
// started. Jobs left without a slot stay due for the next tick.
func (s *Service) tick(now time.Time, trigger job.Trigger) int {
	s.ticks.Add(1)
	s.lastTick.Store(now.UnixNano())

	started := 0
	for _, j := range s.registry.Due(now) {
		_, err := s.engine.TryDispatch(j, trigger)
		switch {
		case err == nil:
			started++
		case errors.Is(err, engine.ErrNoSlot):
			return started
		case errors.Is(err, engine.ErrStopped):
			return started
		case engine.IsSkip(err):
		default:
			s.log.Warn("dispatch failed", logx.String("job", j.Name()), logx.Err(err))
		}
	}
	return started
}

// Stop ends the tick loop after the current tick and waits, until ctx ends,
// for in-flight executions. It never cancels them.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	s.log.Info("stop requested", logx.Int("in_flight", s.engine.InFlight()))
	if sup != nil {
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: wait for tick loop: %w", err)
		}
	}
	if err := s.engine.Wait(ctx); err != nil {
		s.log.Warn("in-flight jobs still running at stop deadline", logx.Int("in_flight", s.engine.InFlight()))
		return fmt.Errorf("scheduler: wait for in-flight jobs: %w", err)
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// RunAllNow runs every registered job concurrently, due or not, and waits
// for all of them. Results are in registration order.
func (s *Service) RunAllNow(ctx context.Context) Summary {
	if ctx == nil {
		ctx = context.Background()
	}
	jobs := s.registry.All()
	sum := Summary{StartedAt: s.now(), Results: make([]job.ExecutionResult, len(jobs))}

	var g errgroup.Group
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			sum.Results[i] = s.await(ctx, j, job.TriggerRunAll)
			return nil
		})
	}
	_ = g.Wait()

	sum.FinishedAt = s.now()
	s.log.Info("run all finished",
		logx.Int("passed", sum.Passed()),
		logx.Int("failed", sum.Failed()),
		logx.Int("skipped", sum.Skipped()),
		logx.Duration("took", sum.FinishedAt.Sub(sum.StartedAt)),
	)
	return sum
}

// await executes j and folds dispatch refusals into a result row.
func (s *Service) await(ctx context.Context, j *job.Job, trigger job.Trigger) job.ExecutionResult {
	res, err := s.engine.Execute(ctx, j, trigger)
	if res.ID != "" {
		return res
	}
	now := s.now()
	res = job.ExecutionResult{JobName: j.Name(), Trigger: trigger, StartedAt: now, FinishedAt: now, Error: err.Error()}
	if engine.IsSkip(err) {
		res.Skipped = true
	} else {
		res.Err = &job.JobError{Job: j.Name(), Err: err}
	}
	return res
}

// RunOneNow runs the named job and waits for it.
func (s *Service) RunOneNow(ctx context.Context, name string) (job.ExecutionResult, error) {
	j, ok := s.registry.Get(name)
	if !ok {
		return job.ExecutionResult{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if j.Running() {
		return job.ExecutionResult{}, fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	res, err := s.engine.Execute(ctx, j, job.TriggerRunOne)
	if errors.Is(err, engine.ErrOverlapSkip) {
		return res, fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	return res, err
}

// Trigger starts the named job without waiting for it.
func (s *Service) Trigger(name string) error {
	j, ok := s.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	_, err := s.engine.TryDispatch(j, job.TriggerManual)
	if errors.Is(err, engine.ErrOverlapSkip) {
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	return err
}
