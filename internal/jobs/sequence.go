package jobs

import (
	"context"
	"errors"
	"fmt"

	"datapipe/internal/task/job"
	logx "datapipe/pkg/logx"
)

type step struct {
	name    string
	handler job.Handler
}

// sequence runs other jobs' handlers one after another. A failing step does
// not stop later steps; the sequence fails if any step failed.
type sequence struct {
	name  string
	steps []step
	log   logx.Logger
}

func (h *sequence) Run(ctx context.Context) error {
	var errs []error
	for _, s := range h.steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		h.log.Debug("sequence step started", logx.String("step", s.name))
		if err := s.handler.Run(ctx); err != nil {
			h.log.Warn("sequence step failed", logx.String("step", s.name), logx.Err(err))
			errs = append(errs, fmt.Errorf("step %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
