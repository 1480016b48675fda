package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a sliding-window call budget: at any instant at most limit
// calls were granted within the trailing window.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time

	// spacing enforces a minimum gap between consecutive grants.
	spacing     *rate.Limiter
	minInterval time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type LimiterOption func(*RateLimiter)

// WithMinInterval spaces consecutive calls by at least d.
func WithMinInterval(d time.Duration) LimiterOption {
	return func(l *RateLimiter) {
		if d > 0 {
			l.minInterval = d
			l.spacing = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithLimiterClock replaces the time source and the sleep primitive.
func WithLimiterClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) LimiterOption {
	return func(l *RateLimiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// NewRateLimiter returns a limiter granting at most limit calls per window.
// limit <= 0 or window <= 0 disables the window check.
func NewRateLimiter(limit int, window time.Duration, opts ...LimiterOption) *RateLimiter {
	l := &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(l)
	}
	if limit > 0 {
		l.calls = make([]time.Time, 0, limit)
	}
	return l
}

// Acquire blocks until a call may proceed. It only fails when ctx is done.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	if l.spacing != nil {
		if err := l.spacing.Wait(ctx); err != nil {
			return err
		}
	}
	if l.limit <= 0 || l.window <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := l.now()
		l.pruneLocked(now)
		if len(l.calls) < l.limit {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.calls[0])
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// pruneLocked drops grants that left the window.
func (l *RateLimiter) pruneLocked(now time.Time) {
	i := 0
	for i < len(l.calls) && now.Sub(l.calls[i]) >= l.window {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

type LimiterSnapshot struct {
	Limit       int           `json:"limit"`
	Window      time.Duration `json:"window"`
	MinInterval time.Duration `json:"min_interval,omitempty"`
	InWindow    int           `json:"in_window"`
}

func (l *RateLimiter) Snapshot() LimiterSnapshot {
	if l == nil {
		return LimiterSnapshot{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.window > 0 {
		l.pruneLocked(l.now())
	}
	return LimiterSnapshot{
		Limit:       l.limit,
		Window:      l.window,
		MinInterval: l.minInterval,
		InWindow:    len(l.calls),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
