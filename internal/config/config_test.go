package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: info
  console: true
scheduler:
  tick: 1s
  max_concurrent: 4
storage:
  driver: file
  path: ./data/datapipe.db
providers:
  - name: alphavantage
    base_url: https://www.alphavantage.co
    calls: 5
    window: 1m
    ttl: 1h
    throttle: alphavantage
    api_key_env: ALPHAVANTAGE_API_KEY
jobs:
  - name: daily_prices
    kind: ingest
    schedule: 6h
    provider: alphavantage
    table: prices
    key_fields: [symbol, date]
    records_path: data
    requests:
      - path: /query
        query: {function: TIME_SERIES_DAILY, symbol: IBM}
  - name: overview
    kind: snapshot
    schedule: "cron:0 */2 * * *"
    provider: alphavantage
    table: overview
    requests:
      - path: /query
  - name: all
    kind: sequence
    schedule: "@every 24h"
    steps: [daily_prices, overview]
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Jobs) != 3 || cfg.Scheduler.MaxConcurrent != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	p, ok := cfg.Provider("alphavantage")
	if !ok || p.Calls != 5 || p.Window != "1m" {
		t.Fatalf("provider=%+v ok=%v", p, ok)
	}
	j, ok := cfg.Job("daily_prices")
	if !ok || j.Requests[0].Query["symbol"] != "IBM" {
		t.Fatalf("job=%+v ok=%v", j, ok)
	}

	js := `{"logging":{"level":"debug"},"scheduler":{},"providers":[],"jobs":[]}`
	cfg, err = Decode("config.json", []byte(js))
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level=%q", cfg.Logging.Level)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, path, body string
	}{
		{"unknown json field", "c.json", `{"logging":{"levl":"info"}}`},
		{"unknown yaml field", "c.yml", "jobs:\n  - name: a\n    cadence: 1m\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "jobs: [\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidateReportsProblems(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Scheduler: SchedulerConfig{Tick: "soon", MaxConcurrent: -1},
		Storage:   &StorageConfig{Driver: "sqlite"},
		Providers: []ProviderConfig{
			{Name: "p", Calls: 5},
			{Name: "p", BaseURL: "not a url", Throttle: "psychic"},
		},
		Jobs: []JobConfig{
			{Name: "a", Kind: "ingest", Schedule: "15m", Provider: "missing", Table: "t"},
			{Name: "a", Kind: "snapshot", Schedule: "bogus", Provider: "p", Table: "t", Requests: []RequestConfig{{Path: "/"}}},
			{Name: "b", Kind: "teleport", Schedule: "1h"},
			{Name: "c", Kind: "sequence", Schedule: "1h", Steps: []string{"c", "nope"}},
			{Name: "d", Kind: "sequence", Schedule: "1h", Steps: []string{"c"}},
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"scheduler.tick",
		"scheduler.max_concurrent",
		"storage.path is required",
		"window is required",
		"duplicate provider",
		"base_url",
		"unknown detector",
		"unknown provider",
		"requests must not be empty",
		"key_fields must not be empty",
		"duplicate job",
		"jobs.a.schedule",
		"unknown handler kind",
		"cannot run itself",
		`unknown job "nope"`,
		"nested sequence",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("missing %q in:\n%s", want, msg)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))

	if ch := SummarizeConfigChange(oldCfg, newCfg); !ch.Empty() {
		t.Fatalf("expected no change, got %v", ch.Sections)
	}

	newCfg.Logging.Level = "debug"
	newCfg.Providers[0].Demo = true
	newCfg.Providers[0].APIKey = "secret-value"
	ch := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(ch.Sections, ",") != "logging,providers" {
		t.Fatalf("sections=%v", ch.Sections)
	}
	if ch.RestartRequired() {
		t.Fatalf("logging/provider changes must apply live")
	}
	if len(ch.Providers) != 1 || ch.Providers[0] != "alphavantage" {
		t.Fatalf("providers=%v", ch.Providers)
	}

	newCfg.Jobs = newCfg.Jobs[:2]
	ch = SummarizeConfigChange(oldCfg, newCfg)
	if !ch.RestartRequired() || len(ch.Jobs) != 1 || ch.Jobs[0] != "all" {
		t.Fatalf("jobs=%v restart=%v", ch.Jobs, ch.RestartRequired())
	}
}

func TestManagerLoadAndPublish(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "datapipe.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path)
	rejected := false
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if rejected {
			return context.Canceled
		}
		return nil
	})
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return committed config")
	}

	ch := m.Subscribe(1)
	m.publish(&Config{})
	latest := &Config{Logging: LoggingConfig{Level: "warn"}}
	m.publish(latest)
	select {
	case got := <-ch:
		if got != latest {
			t.Fatalf("slow subscriber should keep the newest config")
		}
	case <-time.After(time.Second):
		t.Fatalf("no config delivered")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}

	rejected = true
	if _, err := m.Load(context.Background()); err == nil {
		t.Fatalf("validator rejection should fail Load")
	}
}

func TestDurations(t *testing.T) {
	t.Parallel()

	var d Durations
	if got := d.Or("a", "", 5*time.Second); got != 5*time.Second {
		t.Fatalf("default=%v", got)
	}
	if got := d.Get("b", "250ms"); got != 250*time.Millisecond {
		t.Fatalf("get=%v", got)
	}
	if err := d.Err(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	d.Get("c", "-1s")
	d.Or("e", "later", time.Second)
	err := d.Err()
	if err == nil || !strings.Contains(err.Error(), "c:") || !strings.Contains(err.Error(), "e:") {
		t.Fatalf("err=%v", err)
	}
}
