package config

import (
	"reflect"
	"sort"
	"strings"

	logx "datapipe/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are safe structured fields for logging (never secrets).
	Attrs []logx.Field
	// Jobs lists job names added, removed or modified, sorted.
	Jobs []string
	// Providers lists provider names whose settings changed, sorted.
	Providers []string
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

// RestartRequired reports whether the change touches settings that are fixed
// at startup (job table, scheduler, storage, admin).
func (c Change) RestartRequired() bool {
	for _, s := range c.Sections {
		switch s {
		case "jobs", "scheduler", "storage", "admin":
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares oldCfg and newCfg for logging and reload
// decisions.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		ch.Sections = append(ch.Sections, "scheduler")
		ch.Attrs = append(ch.Attrs,
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
			logx.String("scheduler.default_timeout", strings.TrimSpace(newCfg.Scheduler.DefaultTimeout)),
			logx.Int("scheduler.circuit_trip_failures", newCfg.Scheduler.CircuitTripFailures),
		)
	}

	// Storage: nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		ch.Sections = append(ch.Sections, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	// Admin (never log token)
	if oldCfg.Admin != newCfg.Admin {
		ch.Sections = append(ch.Sections, "admin")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}

	ch.Providers = diffNamed(providerHashes(oldCfg.Providers), providerHashes(newCfg.Providers))
	if len(ch.Providers) > 0 {
		ch.Sections = append(ch.Sections, "providers")
		ch.Attrs = append(ch.Attrs,
			logx.Strings("providers.changed", ch.Providers),
			logx.Int("providers.demo_count", countDemo(newCfg.Providers)),
		)
	}

	ch.Jobs = diffNamed(jobHashes(oldCfg.Jobs), jobHashes(newCfg.Jobs))
	if len(ch.Jobs) > 0 {
		ch.Sections = append(ch.Sections, "jobs")
		ch.Attrs = append(ch.Attrs,
			logx.Strings("jobs.changed", ch.Jobs),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}

// providerHashes hashes providers with credentials blanked so a key change
// is reported without the key itself ever reaching the log.
func providerHashes(ps []ProviderConfig) map[string]uint64 {
	out := make(map[string]uint64, len(ps))
	for _, p := range ps {
		keyHash := hashBytes([]byte(strings.TrimSpace(p.APIKey)))
		p.APIKey = ""
		out[p.Name] = hashJSON(struct {
			P   ProviderConfig
			Key uint64
		}{p, keyHash})
	}
	return out
}

func jobHashes(js []JobConfig) map[string]uint64 {
	out := make(map[string]uint64, len(js))
	for _, j := range js {
		out[j.Name] = hashJSON(j)
	}
	return out
}

func diffNamed(oldM, newM map[string]uint64) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, okO := oldM[name]
		n, okN := newM[name]
		if okO != okN || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func countDemo(ps []ProviderConfig) int {
	n := 0
	for _, p := range ps {
		if p.Demo {
			n++
		}
	}
	return n
}
