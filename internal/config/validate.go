package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"datapipe/internal/task/scheduler"
)

// Handler kinds accepted in jobs[].kind.
const (
	KindIngest   = "ingest"
	KindSnapshot = "snapshot"
	KindSequence = "sequence"
)

// Validate checks structural rules that do not need any runtime object:
// unique names, known references, parseable durations and schedules.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("scheduler.tick", cfg.Scheduler.Tick)
	dur("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	dur("scheduler.slow_threshold", cfg.Scheduler.SlowThreshold)
	dur("scheduler.circuit_base_delay", cfg.Scheduler.CircuitBaseDelay)
	dur("scheduler.circuit_max_delay", cfg.Scheduler.CircuitMaxDelay)
	dur("scheduler.circuit_reset_after", cfg.Scheduler.CircuitResetAfter)
	if cfg.Scheduler.MaxConcurrent < 0 {
		add("scheduler.max_concurrent must be >= 0")
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path is required for driver %q", s.Driver)
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
		dur("storage.busy_timeout", s.BusyTimeout)
		dur("storage.run_retention", s.RunRetention)
	}

	dur("admin.read_timeout", cfg.Admin.ReadTimeout)
	dur("admin.write_timeout", cfg.Admin.WriteTimeout)
	dur("admin.idle_timeout", cfg.Admin.IdleTimeout)

	providers := map[string]bool{}
	for i, p := range cfg.Providers {
		path := fmt.Sprintf("providers[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			add("%s.name is required", path)
		} else if providers[name] {
			add("%s: duplicate provider %q", path, name)
		}
		providers[name] = true
		if strings.TrimSpace(p.BaseURL) != "" {
			if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				add("%s.base_url: invalid url %q", path, p.BaseURL)
			}
		}
		if p.Calls < 0 {
			add("%s.calls must be >= 0", path)
		}
		if p.Calls > 0 && strings.TrimSpace(p.Window) == "" {
			add("%s.window is required when calls is set", path)
		}
		for _, f := range []struct{ k, v string }{
			{"window", p.Window}, {"min_interval", p.MinInterval}, {"ttl", p.TTL},
			{"stale_grace", p.StaleGrace}, {"sweep_every", p.SweepEvery},
			{"base_delay", p.BaseDelay}, {"max_delay", p.MaxDelay},
			{"cooldown", p.Cooldown}, {"timeout", p.Timeout},
		} {
			dur(path+"."+f.k, f.v)
		}
		switch strings.ToLower(strings.TrimSpace(p.Throttle)) {
		case "", "status", "alphavantage", "alpha_vantage":
		default:
			add("%s.throttle: unknown detector %q", path, p.Throttle)
		}
	}

	jobs := map[string]JobConfig{}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add("%s.name is required", path)
			continue
		}
		if _, dup := jobs[name]; dup {
			add("%s: duplicate job %q", path, name)
		}
		jobs[name] = j
		path = "jobs." + name
		if _, err := scheduler.ParseCadence(j.Schedule); err != nil {
			add("%s.schedule: %w", path, err)
		}
		dur(path+".timeout", j.Timeout)

		switch strings.ToLower(strings.TrimSpace(j.Kind)) {
		case KindIngest, KindSnapshot:
			if !providers[j.Provider] {
				add("%s.provider: unknown provider %q", path, j.Provider)
			}
			if strings.TrimSpace(j.Table) == "" {
				add("%s.table is required", path)
			}
			if len(j.Requests) == 0 {
				add("%s.requests must not be empty", path)
			}
			if strings.EqualFold(j.Kind, KindIngest) && len(j.KeyFields) == 0 {
				add("%s.key_fields must not be empty", path)
			}
		case KindSequence:
			if len(j.Steps) == 0 {
				add("%s.steps must not be empty", path)
			}
		default:
			add("%s.kind: unknown handler kind %q", path, j.Kind)
		}
	}
	for _, j := range cfg.Jobs {
		if !strings.EqualFold(j.Kind, KindSequence) {
			continue
		}
		for _, step := range j.Steps {
			target, ok := jobs[step]
			switch {
			case !ok:
				add("jobs.%s.steps: unknown job %q", j.Name, step)
			case step == j.Name:
				add("jobs.%s.steps: job cannot run itself", j.Name)
			case strings.EqualFold(target.Kind, KindSequence):
				add("jobs.%s.steps: nested sequence %q is not supported", j.Name, step)
			}
		}
	}

	return errors.Join(errs...)
}
