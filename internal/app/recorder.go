package app

import (
	"context"
	"time"

	"datapipe/internal/eventbus"
	"datapipe/internal/storage"
	"datapipe/internal/task/engine"
	"datapipe/internal/task/job"
	logx "datapipe/pkg/logx"
)

// runRecorder copies finished, failed and skipped executions from the bus
// into the run log.
type runRecorder struct {
	runs   storage.RunLog
	log    logx.Logger
	events <-chan eventbus.Event
	unsub  func()
	warn   *logx.Throttle
}

func newRunRecorder(bus eventbus.Bus, runs storage.RunLog, log logx.Logger) *runRecorder {
	events, unsub := bus.Subscribe(256, eventbus.JobFinished, eventbus.JobFailed, eventbus.JobSkipped)
	return &runRecorder{
		runs:   runs,
		log:    log.With(logx.String("comp", "runlog")),
		events: events,
		unsub:  unsub,
		warn:   logx.NewThrottle(30 * time.Second),
	}
}

// Run records events until ctx ends, then drains what is already buffered.
func (r *runRecorder) Run(ctx context.Context) {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.record(e)
		}
	}
}

func (r *runRecorder) drain() {
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.record(e)
		default:
			return
		}
	}
}

func (r *runRecorder) record(e eventbus.Event) {
	ev, ok := e.Data.(engine.JobEvent)
	if !ok || ev.Result == nil {
		return
	}
	r.append(*ev.Result)
}

func (r *runRecorder) append(res job.ExecutionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.runs.AppendRun(ctx, res); err != nil && r.warn.Allow() {
		r.log.Warn("append run failed", logx.String("job", res.JobName), logx.Err(err))
	}
}
