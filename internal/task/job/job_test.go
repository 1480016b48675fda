package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var noop = Func(func(context.Context) error { return nil })

func TestEveryCadenceTickPattern(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	unit := time.Minute
	j := &Job{name: "quotes", cadence: Every(15 * unit), handler: noop}

	var dispatched []int
	for _, tick := range []int{0, 10, 20} {
		now := base.Add(time.Duration(tick) * unit)
		if !j.Due(now) {
			continue
		}
		if !j.MarkRunning(now) {
			t.Fatalf("MarkRunning at %d failed", tick)
		}
		dispatched = append(dispatched, tick)
		j.MarkDone(ExecutionResult{JobName: j.name, StartedAt: now, FinishedAt: now, Succeeded: true})
	}

	if len(dispatched) != 2 || dispatched[0] != 0 || dispatched[1] != 20 {
		t.Fatalf("dispatched at %v, want [0 20]", dispatched)
	}
}

func TestLastRunAtIsStartTime(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	j := &Job{name: "slow", cadence: Every(10 * time.Minute), handler: noop}
	j.MarkRunning(start)
	j.MarkDone(ExecutionResult{StartedAt: start, FinishedAt: start.Add(7 * time.Minute), Succeeded: true})

	if got := j.LastRunAt(); !got.Equal(start) {
		t.Fatalf("LastRunAt = %v, want %v", got, start)
	}
	if j.Due(start.Add(9 * time.Minute)) {
		t.Fatal("job should not be due before cadence elapses from start")
	}
	if !j.Due(start.Add(10 * time.Minute)) {
		t.Fatal("job should be due once cadence elapses from start")
	}
}

func TestMarkRunningIsExclusive(t *testing.T) {
	t.Parallel()
	j := &Job{name: "x", cadence: Every(time.Second), handler: noop}
	now := time.Now()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if j.MarkRunning(now) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("MarkRunning succeeded %d times, want 1", wins.Load())
	}
	if j.Due(now.Add(time.Hour)) {
		t.Fatal("a running job is never due")
	}
	j.MarkDone(ExecutionResult{StartedAt: now})
	if !j.MarkRunning(now) {
		t.Fatal("MarkRunning after MarkDone should succeed")
	}
}

func TestCronCadence(t *testing.T) {
	t.Parallel()
	c, err := Cron("0 */2 * * *")
	if err != nil {
		t.Fatalf("Cron: %v", err)
	}
	last := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if got, want := c.Next(last), last.Add(2*time.Hour); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
	if dueAt(c, last, last.Add(119*time.Minute)) {
		t.Fatal("due too early")
	}
	if !dueAt(c, last, last.Add(2*time.Hour)) {
		t.Fatal("not due at activation")
	}

	if _, err := Cron("bogus"); err == nil {
		t.Fatal("expected error for invalid cron")
	}
	if _, err := Cron("  "); err == nil {
		t.Fatal("expected error for empty cron")
	}
}

func TestHandlerAdapters(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	ctx := context.Background()

	tests := []struct {
		name string
		h    Handler
		want error
	}{
		{name: "func ok", h: noop},
		{name: "func err", h: Func(func(context.Context) error { return boom }), want: boom},
		{name: "bool true", h: BoolFunc(func(context.Context) (bool, error) { return true, nil })},
		{name: "bool false", h: BoolFunc(func(context.Context) (bool, error) { return false, nil }), want: ErrReportedFailure},
		{name: "bool err", h: BoolFunc(func(context.Context) (bool, error) { return true, boom }), want: boom},
		{name: "async ok", h: Async(func(context.Context) <-chan error {
			ch := make(chan error)
			close(ch)
			return ch
		})},
		{name: "async err", h: Async(func(context.Context) <-chan error {
			ch := make(chan error, 1)
			ch <- boom
			return ch
		}), want: boom},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.h.Run(ctx)
			if tt.want == nil && err != nil {
				t.Fatalf("Run() = %v, want nil", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Run() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAsyncHonoursContext(t *testing.T) {
	t.Parallel()
	h := Async(func(context.Context) <-chan error { return make(chan error) })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := h.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v, want deadline exceeded", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for _, name := range []string{"b", "a", "c"} {
		if _, err := r.Register(name, Every(time.Minute), noop); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	if _, err := r.Register("a", Every(time.Minute), noop); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("duplicate err = %v", err)
	}
	if _, err := r.Register(" ", Every(time.Minute), noop); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("empty name err = %v", err)
	}
	if _, err := r.Register("d", nil, noop); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("nil cadence err = %v", err)
	}
	if _, err := r.Register("d", Every(time.Minute), nil); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("nil handler err = %v", err)
	}

	names := r.Names()
	if len(names) != 3 || names[0] != "b" || names[1] != "a" || names[2] != "c" {
		t.Fatalf("Names = %v, want registration order", names)
	}

	now := time.Now()
	if got := len(r.Due(now)); got != 3 {
		t.Fatalf("Due at cold start = %d, want 3", got)
	}
	a, _ := r.Get("a")
	a.MarkRunning(now)
	if got := len(r.Due(now)); got != 2 {
		t.Fatalf("Due with one running = %d, want 2", got)
	}

	r.Seal()
	if _, err := r.Register("late", Every(time.Minute), noop); !errors.Is(err, ErrSealed) {
		t.Fatalf("sealed err = %v", err)
	}
}

func TestStateReportsNextDue(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	j, err := r.Register("news", Every(15*time.Minute), noop, WithDescription("headlines"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if st := j.State(now); st.LastRunAt != nil || st.NextDueAt != nil {
		t.Fatalf("never-run job has times: %+v", st)
	}
	j.MarkRunning(now)
	j.MarkDone(ExecutionResult{StartedAt: now, Error: "x"})
	st := r.Snapshot(now)[0]
	if st.NextDueAt == nil || !st.NextDueAt.Equal(now.Add(15*time.Minute)) {
		t.Fatalf("NextDueAt = %v", st.NextDueAt)
	}
	if st.Runs != 1 || st.Failures != 1 || st.LastStatus != "FAIL" || st.Description != "headlines" {
		t.Fatalf("unexpected state: %+v", st)
	}
}
