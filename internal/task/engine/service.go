package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"datapipe/internal/eventbus"
	"datapipe/internal/task/job"
	logx "datapipe/pkg/logx"

	"github.com/google/uuid"
)

const warnThrottleEvery = 5 * time.Second

// Service runs job executions on bounded slots. Every execution runs in its
// own goroutine; a failing or panicking handler never affects another one.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	slots *slots

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}

	baseCtx context.Context
	abort   context.CancelFunc

	wg       sync.WaitGroup
	inFlight atomic.Int32

	circuits circuitStore

	hmu     sync.Mutex
	history []job.ExecutionResult

	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	panics     atomic.Uint64
	skipped    atomic.Uint64
	noSlot     atomic.Uint64

	slotWarn *logx.Throttle
}

type Option func(*Service)

// WithClock replaces the time source used for start/finish stamps and the
// circuit breaker.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBaseContext sets the parent of every handler context. Abort cancels it.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Service) {
		if ctx != nil {
			s.baseCtx = ctx
		}
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		now:      time.Now,
		slots:    newSlots(cfg.MaxConcurrent),
		stopCh:   make(chan struct{}),
		baseCtx:  context.Background(),
		slotWarn: logx.NewThrottle(warnThrottleEvery),
	}
	for _, o := range opts {
		o(s)
	}
	// Handlers must not be cancelled by the caller that triggered them.
	s.baseCtx, s.abort = context.WithCancel(context.WithoutCancel(s.baseCtx))
	return s
}

func (s *Service) Config() Config { return s.cfg }

// TryDispatch starts j if a slot is free right now. ErrNoSlot leaves the job
// untouched so it stays due.
func (s *Service) TryDispatch(j *job.Job, trigger job.Trigger) (<-chan job.ExecutionResult, error) {
	return s.dispatch(nil, j, trigger)
}

// Dispatch starts j, waiting for a slot until ctx ends or the engine closes.
func (s *Service) Dispatch(ctx context.Context, j *job.Job, trigger job.Trigger) (<-chan job.ExecutionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.dispatch(ctx, j, trigger)
}

// Execute dispatches j and waits for its result. A failed execution returns
// its *job.JobError alongside the result.
func (s *Service) Execute(ctx context.Context, j *job.Job, trigger job.Trigger) (job.ExecutionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ch, err := s.dispatch(ctx, j, trigger)
	if err != nil {
		return job.ExecutionResult{}, err
	}
	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return job.ExecutionResult{}, ctx.Err()
	}
}

// dispatch with a nil ctx never waits for a slot.
func (s *Service) dispatch(ctx context.Context, j *job.Job, trigger job.Trigger) (<-chan job.ExecutionResult, error) {
	if j == nil {
		return nil, errors.New("engine: nil job")
	}
	if s.isClosed() {
		return nil, ErrStopped
	}

	now := s.now()
	if open, until := s.circuits.isOpen(j.Name(), now, s.cfg, j.CircuitTripFailures()); open {
		s.skip(j, trigger, now, "circuit_open", logx.Time("until", until))
		return nil, ErrCircuitOpen
	}
	if j.Running() {
		s.skip(j, trigger, now, "already_running")
		return nil, ErrOverlapSkip
	}

	if ctx == nil {
		if !s.slots.tryAcquire() {
			s.noSlot.Add(1)
			if s.slotWarn.Allow() {
				s.log.Warn("no free execution slot, job stays due",
					logx.String("job", j.Name()),
					logx.Int("max_concurrent", s.cfg.MaxConcurrent),
					logx.Uint64("no_slot_total", s.noSlot.Load()),
				)
			}
			return nil, ErrNoSlot
		}
	} else if err := s.slots.acquire(ctx, s.stopCh); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.slots.release()
		return nil, ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	started := s.now()
	if !j.MarkRunning(started) {
		s.wg.Done()
		s.slots.release()
		s.skip(j, trigger, started, "already_running")
		return nil, ErrOverlapSkip
	}

	s.dispatched.Add(1)
	out := make(chan job.ExecutionResult, 1)
	go s.run(j, trigger, uuid.NewString(), started, out)
	return out, nil
}

func (s *Service) run(j *job.Job, trigger job.Trigger, id string, started time.Time, out chan<- job.ExecutionResult) {
	defer s.wg.Done()
	s.inFlight.Add(1)

	log := s.log.With(logx.String("job", j.Name()), logx.String("id", id))
	log.Debug("job started", logx.String("trigger", string(trigger)))
	s.publish(eventbus.JobStarted, started, JobEvent{ID: id, Job: j.Name(), Trigger: trigger, Started: started})

	ctx := s.baseCtx
	timeout := j.Timeout()
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	err := s.invoke(ctx, j, log)
	cancel()

	finished := s.now()
	res := job.ExecutionResult{
		ID:         id,
		JobName:    j.Name(),
		Trigger:    trigger,
		StartedAt:  started,
		FinishedAt: finished,
		Succeeded:  err == nil,
	}
	if err != nil {
		res.Error = err.Error()
		res.Err = &job.JobError{Job: j.Name(), Err: err}
	}

	s.circuits.record(j.Name(), finished, s.cfg, j.CircuitTripFailures(), err != nil)
	j.MarkDone(res)
	s.remember(res)

	dur := res.Duration()
	ev := JobEvent{ID: id, Job: j.Name(), Trigger: trigger, Started: started, Duration: dur, Error: res.Error, Result: &res}
	if err != nil {
		s.failed.Add(1)
		log.Warn("job failed", logx.Err(err), logx.Duration("dur", dur), logx.String("trigger", string(trigger)))
		s.publish(eventbus.JobFailed, finished, ev)
	} else {
		s.succeeded.Add(1)
		if dur >= s.cfg.SlowThreshold {
			log.Info("job finished", logx.Duration("dur", dur), logx.String("trigger", string(trigger)))
		} else {
			log.Debug("job finished", logx.Duration("dur", dur))
		}
		s.publish(eventbus.JobFinished, finished, ev)
	}

	// Free the slot before delivering so the receiver can dispatch again.
	s.inFlight.Add(-1)
	s.slots.release()
	out <- res
	close(out)
}

// invoke runs the handler, turning a panic into an error.
func (s *Service) invoke(ctx context.Context, j *job.Job, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return j.Handler().Run(ctx)
}

func (s *Service) skip(j *job.Job, trigger job.Trigger, now time.Time, reason string, fields ...logx.Field) {
	res := job.ExecutionResult{
		ID:         uuid.NewString(),
		JobName:    j.Name(),
		Trigger:    trigger,
		StartedAt:  now,
		FinishedAt: now,
		Skipped:    true,
		Error:      reason,
	}
	j.NoteSkipped()
	s.skipped.Add(1)
	s.remember(res)
	s.log.Debug("job skipped", append([]logx.Field{logx.String("job", j.Name()), logx.String("reason", reason)}, fields...)...)
	s.publish(eventbus.JobSkipped, now, JobEvent{ID: res.ID, Job: j.Name(), Trigger: trigger, Started: now, Error: reason, Result: &res})
}

func (s *Service) remember(res job.ExecutionResult) {
	s.hmu.Lock()
	s.history = append(s.history, res)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, at time.Time, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close refuses new dispatches. In-flight executions keep running.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stopCh)
}

// Wait blocks until no execution is in flight or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the engine and waits for in-flight executions.
func (s *Service) Stop(ctx context.Context) error {
	s.Close()
	if err := s.Wait(ctx); err != nil {
		s.log.Warn("engine stop timed out", logx.Int("in_flight", int(s.inFlight.Load())), logx.Err(err))
		return err
	}
	return nil
}

// Abort cancels the context of every in-flight handler. Handlers that ignore
// their context still run to completion.
func (s *Service) Abort() { s.abort() }

func (s *Service) InFlight() int { return int(s.inFlight.Load()) }

func (s *Service) Snapshot() Snapshot {
	s.hmu.Lock()
	h := make([]job.ExecutionResult, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	total, open := s.circuits.snapshot(s.now())
	return Snapshot{
		MaxConcurrent:  s.cfg.MaxConcurrent,
		InFlight:       int(s.inFlight.Load()),
		Closed:         s.isClosed(),
		DefaultTimeout: s.cfg.DefaultTimeout,
		Dispatched:     s.dispatched.Load(),
		Succeeded:      s.succeeded.Load(),
		Failed:         s.failed.Load(),
		Panics:         s.panics.Load(),
		Skipped:        s.skipped.Load(),
		NoSlot:         s.noSlot.Load(),
		CircuitTotal:   total,
		CircuitOpen:    open,
		History:        h,
	}
}
