package job

import (
	"context"
	"errors"
)

// ErrReportedFailure is returned by BoolFunc handlers that report false
// without an error.
var ErrReportedFailure = errors.New("handler reported failure")

// Handler is one unit of work. A nil error is success.
type Handler interface {
	Run(ctx context.Context) error
}

// Func adapts a plain function.
type Func func(ctx context.Context) error

func (f Func) Run(ctx context.Context) error { return f(ctx) }

// BoolFunc adapts handlers that report success as a boolean.
type BoolFunc func(ctx context.Context) (bool, error)

func (f BoolFunc) Run(ctx context.Context) error {
	ok, err := f(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrReportedFailure
	}
	return nil
}

// Async adapts handlers that start work and signal completion on a channel.
// A closed channel without a value counts as success.
type Async func(ctx context.Context) <-chan error

func (f Async) Run(ctx context.Context) error {
	done := f(ctx)
	if done == nil {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
