package config

// Config is the whole process configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Admin     AdminConfig     `json:"admin,omitempty"`

	Providers []ProviderConfig `json:"providers"`
	Jobs      []JobConfig      `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick loop and the execution engine.
//
// Defaults (when fields are omitted/zero):
//   - tick: "1s"
//   - max_concurrent: 0 (unbounded)
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - slow_threshold: "750ms"
//   - circuit_trip_failures: 0 (disabled)
type SchedulerConfig struct {
	Tick           string `json:"tick,omitempty"`
	MaxConcurrent  int    `json:"max_concurrent,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	SlowThreshold  string `json:"slow_threshold,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// StorageConfig controls the persistence layer. Omitting the section
// disables persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/datapipe.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	CompactEvery int    `json:"compact_every,omitempty"`
	RunRetention string `json:"run_retention,omitempty"`
}

// AdminConfig controls the optional status HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mount /debug/pprof/

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// ProviderConfig is the fetch policy of one external data source. Each
// provider gets its own limiter, cache and client.
type ProviderConfig struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`

	// Budget: at most Calls per Window, consecutive calls spaced by MinInterval.
	Calls       int    `json:"calls,omitempty"`
	Window      string `json:"window,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`

	TTL        string `json:"ttl,omitempty"`
	StaleGrace string `json:"stale_grace,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
	SweepEvery string `json:"sweep_every,omitempty"`

	MaxAttempts int    `json:"max_attempts,omitempty"`
	BaseDelay   string `json:"base_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
	Cooldown    string `json:"cooldown,omitempty"`
	Timeout     string `json:"timeout,omitempty"`

	// Throttle selects the throttle detector: "status" (default) or
	// "alphavantage". ThrottleMarkers adds body substrings.
	Throttle        string   `json:"throttle,omitempty"`
	ThrottleMarkers []string `json:"throttle_markers,omitempty"`

	ExpectJSON      bool `json:"expect_json,omitempty"`
	FallbackToCache bool `json:"fallback_to_cache,omitempty"`
	Demo            bool `json:"demo,omitempty"`
	DemoFallback    bool `json:"demo_fallback,omitempty"`

	// Credentials (never logged). APIKeyEnv wins over APIKey when set and
	// the variable is non-empty.
	APIKey       string `json:"api_key,omitempty"`
	APIKeyEnv    string `json:"api_key_env,omitempty"`
	APIKeyParam  string `json:"api_key_param,omitempty"`  // query parameter, default "apikey"
	APIKeyHeader string `json:"api_key_header,omitempty"` // header instead of query parameter

	UserAgent string            `json:"user_agent,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// JobConfig declares one scheduled job backed by a built-in handler kind.
//
// Kinds:
//   - "ingest": fetch each request, extract records at records_path and
//     upsert them into table keyed by key_fields
//   - "snapshot": fetch each request and upsert the whole payload keyed by
//     the request key
//   - "sequence": run the jobs named in steps one after another
type JobConfig struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Schedule    string `json:"schedule"`
	Description string `json:"description,omitempty"`
	Disabled    bool   `json:"disabled,omitempty"`

	Timeout             string `json:"timeout,omitempty"`
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`

	Provider    string          `json:"provider,omitempty"`
	Table       string          `json:"table,omitempty"`
	KeyFields   []string        `json:"key_fields,omitempty"`
	RecordsPath string          `json:"records_path,omitempty"`
	Requests    []RequestConfig `json:"requests,omitempty"`
	// Static fields stamped onto every record before upsert.
	Fields map[string]string `json:"fields,omitempty"`

	Steps []string `json:"steps,omitempty"`
}

// RequestConfig is one provider call. Path is resolved against the
// provider's base_url unless it is absolute.
type RequestConfig struct {
	Method     string            `json:"method,omitempty"`
	Path       string            `json:"path,omitempty"`
	Query      map[string]string `json:"query,omitempty"`
	Key        string            `json:"key,omitempty"`
	AllowStale bool              `json:"allow_stale,omitempty"`
	// Fields stamped onto records extracted from this request only.
	Fields map[string]string `json:"fields,omitempty"`
}

// Provider returns the named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	if c == nil {
		return ProviderConfig{}, false
	}
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Job returns the named job.
func (c *Config) Job(name string) (JobConfig, bool) {
	if c == nil {
		return JobConfig{}, false
	}
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobConfig{}, false
}
