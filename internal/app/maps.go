package app

import (
	"strings"
	"time"

	"datapipe/internal/admin"
	"datapipe/internal/config"
	"datapipe/internal/storage"
	"datapipe/internal/task/engine"
	"datapipe/internal/task/scheduler"
	logx "datapipe/pkg/logx"
)

func mapLogging(cfg *config.Config, debug bool) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if debug {
		lc.Level = "debug"
	}
	return lc
}

// mapStorage returns the store config; a missing section or driver "none"
// maps to the disabled store.
func mapStorage(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "none"}, nil
	}
	sc := cfg.Storage
	var d config.Durations
	out := storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  d.Or("storage.busy_timeout", sc.BusyTimeout, time.Second),
		CompactEvery: sc.CompactEvery,
		RunRetention: d.Get("storage.run_retention", sc.RunRetention),
	}
	return out, d.Err()
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	sc := cfg.Scheduler
	var d config.Durations
	out := engine.Config{
		MaxConcurrent:       sc.MaxConcurrent,
		DefaultTimeout:      d.Get("scheduler.default_timeout", sc.DefaultTimeout),
		HistorySize:         sc.HistorySize,
		SlowThreshold:       d.Get("scheduler.slow_threshold", sc.SlowThreshold),
		CircuitTripFailures: sc.CircuitTripFailures,
		CircuitBaseDelay:    d.Get("scheduler.circuit_base_delay", sc.CircuitBaseDelay),
		CircuitMaxDelay:     d.Get("scheduler.circuit_max_delay", sc.CircuitMaxDelay),
		CircuitResetAfter:   d.Get("scheduler.circuit_reset_after", sc.CircuitResetAfter),
	}
	return out, d.Err()
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationField("scheduler.tick", cfg.Scheduler.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Tick: tick}, nil
}

func mapAdmin(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	var d config.Durations
	out := admin.Config{
		Addr:                 strings.TrimSpace(ac.Addr),
		Token:                strings.TrimSpace(ac.Token),
		AllowInsecure:        ac.AllowInsecure,
		ReadTimeout:          d.Or("admin.read_timeout", ac.ReadTimeout, 10*time.Second),
		WriteTimeout:         d.Or("admin.write_timeout", ac.WriteTimeout, time.Minute),
		IdleTimeout:          d.Or("admin.idle_timeout", ac.IdleTimeout, time.Minute),
		MutexProfileFraction: ac.MutexProfileFraction,
		BlockProfileRate:     ac.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = admin.DefaultAddr
	}
	return out, d.Err()
}
