// Package jobs builds the static handler table from configuration. The set of
// handler kinds is closed; jobs pick one by name.
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"datapipe/internal/config"
	"datapipe/internal/provider"
	"datapipe/internal/storage"
	"datapipe/internal/task/job"
	"datapipe/internal/task/scheduler"
	logx "datapipe/pkg/logx"
)

// Deps are the collaborators handlers are built with.
type Deps struct {
	Providers *provider.Set
	Store     storage.Upserter
	Log       logx.Logger
	Now       func() time.Time
}

type builder func(jc config.JobConfig, deps Deps, log logx.Logger) (job.Handler, error)

var kinds = map[string]builder{
	config.KindIngest:   buildIngest,
	config.KindSnapshot: buildSnapshot,
}

// Kinds lists the accepted handler kinds.
func Kinds() []string {
	return []string{config.KindIngest, config.KindSnapshot, config.KindSequence}
}

// Register builds a handler for every enabled job config and registers it.
// It returns the registered names in config order. Disabled jobs are skipped
// but may still be used as sequence steps.
func Register(reg *job.Registry, cfgs []config.JobConfig, deps Deps) ([]string, error) {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Store == nil {
		deps.Store = storage.Disabled()
	}

	handlers := make(map[string]job.Handler, len(cfgs))
	var errs []error
	for _, jc := range cfgs {
		kind := strings.ToLower(strings.TrimSpace(jc.Kind))
		if kind == config.KindSequence {
			continue
		}
		b, ok := kinds[kind]
		if !ok {
			errs = append(errs, fmt.Errorf("job %s: unknown handler kind %q", jc.Name, jc.Kind))
			continue
		}
		h, err := b(jc, deps, jobLog(deps.Log, jc))
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", jc.Name, err))
			continue
		}
		handlers[jc.Name] = h
	}
	for _, jc := range cfgs {
		if !strings.EqualFold(strings.TrimSpace(jc.Kind), config.KindSequence) {
			continue
		}
		seq := &sequence{name: jc.Name, log: jobLog(deps.Log, jc)}
		for _, name := range jc.Steps {
			h, ok := handlers[name]
			if !ok {
				errs = append(errs, fmt.Errorf("job %s: step %q is not a built job", jc.Name, name))
				continue
			}
			seq.steps = append(seq.steps, step{name: name, handler: h})
		}
		handlers[jc.Name] = seq
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfgs))
	for _, jc := range cfgs {
		if jc.Disabled {
			deps.Log.Info("job disabled", logx.String("job", jc.Name))
			continue
		}
		cadence, err := scheduler.ParseCadence(jc.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: schedule: %w", jc.Name, err))
			continue
		}
		timeout, err := config.ParseDurationField("jobs."+jc.Name+".timeout", jc.Timeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		opts := []job.Option{job.WithDescription(jc.Description)}
		if timeout > 0 {
			opts = append(opts, job.WithTimeout(timeout))
		}
		if jc.CircuitTripFailures > 0 {
			opts = append(opts, job.WithCircuitTripFailures(jc.CircuitTripFailures))
		}
		if _, err := reg.Register(jc.Name, cadence, handlers[jc.Name], opts...); err != nil {
			errs = append(errs, err)
			continue
		}
		names = append(names, jc.Name)
	}
	return names, errors.Join(errs...)
}

func jobLog(log logx.Logger, jc config.JobConfig) logx.Logger {
	return log.With(logx.String("comp", "jobs"), logx.String("job", jc.Name), logx.String("kind", jc.Kind))
}

func resolveCalls(p *provider.Provider, reqs []config.RequestConfig) ([]call, error) {
	if len(reqs) == 0 {
		return nil, errors.New("requests must not be empty")
	}
	out := make([]call, 0, len(reqs))
	for i, rc := range reqs {
		req, err := p.Request(rc)
		if err != nil {
			return nil, fmt.Errorf("requests[%d]: %w", i, err)
		}
		out = append(out, call{req: req, fields: rc.Fields})
	}
	return out, nil
}

func lookupProvider(deps Deps, name string) (*provider.Provider, error) {
	if deps.Providers == nil {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, name)
	}
	return deps.Providers.Must(name)
}

func buildIngest(jc config.JobConfig, deps Deps, log logx.Logger) (job.Handler, error) {
	p, err := lookupProvider(deps, jc.Provider)
	if err != nil {
		return nil, err
	}
	if len(jc.KeyFields) == 0 {
		return nil, errors.New("key_fields must not be empty")
	}
	calls, err := resolveCalls(p, jc.Requests)
	if err != nil {
		return nil, err
	}
	return &ingest{
		name:        jc.Name,
		provider:    p,
		store:       deps.Store,
		table:       jc.Table,
		keyFields:   append([]string(nil), jc.KeyFields...),
		recordsPath: jc.RecordsPath,
		fields:      jc.Fields,
		calls:       calls,
		log:         log,
		now:         deps.Now,
	}, nil
}

func buildSnapshot(jc config.JobConfig, deps Deps, log logx.Logger) (job.Handler, error) {
	p, err := lookupProvider(deps, jc.Provider)
	if err != nil {
		return nil, err
	}
	calls, err := resolveCalls(p, jc.Requests)
	if err != nil {
		return nil, err
	}
	return &snapshot{
		name:     jc.Name,
		provider: p,
		store:    deps.Store,
		table:    jc.Table,
		fields:   jc.Fields,
		calls:    calls,
		log:      log,
		now:      deps.Now,
	}, nil
}
