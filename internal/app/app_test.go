package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"datapipe/internal/config"
	"datapipe/internal/eventbus"
	"datapipe/internal/storage"
	"datapipe/internal/task/engine"
	"datapipe/internal/task/job"
	logx "datapipe/pkg/logx"
)

type upstream struct {
	srv  *httptest.Server
	hits atomic.Int64
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/prices", func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		_, _ = w.Write([]byte(`{"data":[{"date":"2024-01-01","close":1},{"date":"2024-01-02","close":2}]}`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func testConfig(dir, baseURL string) *config.Config {
	return &config.Config{
		Logging: config.LoggingConfig{
			Level: "debug",
			File:  config.LoggingFile{Enabled: true, Path: filepath.Join(dir, "datapipe.log")},
		},
		Scheduler: config.SchedulerConfig{Tick: "50ms"},
		Storage:   &config.StorageConfig{Driver: "sqlite", Path: filepath.Join(dir, "datapipe.db")},
		Providers: []config.ProviderConfig{
			{Name: "market", BaseURL: baseURL, MaxAttempts: 1, BaseDelay: "1ms"},
		},
		Jobs: []config.JobConfig{
			{
				Name: "prices", Kind: "ingest", Schedule: "1h", Provider: "market", Table: "prices",
				KeyFields: []string{"symbol", "date"}, RecordsPath: "data",
				Requests: []config.RequestConfig{{Path: "/prices", Fields: map[string]string{"symbol": "IBM"}}},
			},
			{
				Name: "broken", Kind: "snapshot", Schedule: "1h", Provider: "market", Table: "broken",
				Requests: []config.RequestConfig{{Path: "/broken"}},
			},
		},
	}
}

func writeConfig(t *testing.T, dir string, cfg *config.Config) string {
	t.Helper()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func recentRuns(t *testing.T, dir string) []job.ExecutionResult {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(dir, "datapipe.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	runs, err := st.RecentRuns(context.Background(), "", 100)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	return runs
}

func TestRunOnceAllJobs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	up := newUpstream(t)
	path := writeConfig(t, dir, testConfig(dir, up.srv.URL))

	var out bytes.Buffer
	code := Run(context.Background(), Options{ConfigPath: path, Mode: ModeOnce, Stdout: &out})
	if code != ExitFailed {
		t.Fatalf("exit=%d want %d\n%s", code, ExitFailed, out.String())
	}
	table := out.String()
	for _, want := range []string{"prices", "PASS", "broken", "FAIL", "1 passed, 1 failed, 0 skipped"} {
		if !strings.Contains(table, want) {
			t.Fatalf("summary missing %q:\n%s", want, table)
		}
	}

	runs := recentRuns(t, dir)
	if len(runs) != 2 {
		t.Fatalf("run log has %d rows want 2: %+v", len(runs), runs)
	}
}

func TestRunOnceSingleJob(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	up := newUpstream(t)
	path := writeConfig(t, dir, testConfig(dir, up.srv.URL))

	var out bytes.Buffer
	code := Run(context.Background(), Options{ConfigPath: path, Mode: ModeOnce, Job: "prices", Stdout: &out})
	if code != ExitOK {
		t.Fatalf("exit=%d want %d\n%s", code, ExitOK, out.String())
	}
	if strings.Contains(out.String(), "broken") {
		t.Fatalf("only the named job should run:\n%s", out.String())
	}
	if up.hits.Load() != 1 {
		t.Fatalf("upstream hits=%d want 1", up.hits.Load())
	}

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(dir, "datapipe.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if n, err := st.Count(context.Background(), "prices"); err != nil || n != 2 {
		t.Fatalf("prices rows=%d err=%v", n, err)
	}
}

func TestRunStartupErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	up := newUpstream(t)
	path := writeConfig(t, dir, testConfig(dir, up.srv.URL))

	var out bytes.Buffer
	if code := Run(context.Background(), Options{ConfigPath: path, Job: "ghost", Stdout: &out}); code != ExitStartup {
		t.Fatalf("unknown job: exit=%d", code)
	}
	if code := Run(context.Background(), Options{ConfigPath: filepath.Join(dir, "missing.json")}); code != ExitStartup {
		t.Fatalf("missing config: exit=%d", code)
	}
	if _, err := New(context.Background(), Options{ConfigPath: path, Mode: ModeScheduled, Job: "prices"}); err == nil {
		t.Fatalf("-job with scheduled mode should be rejected")
	}
	if _, err := New(context.Background(), Options{ConfigPath: path, Mode: "sometimes"}); err == nil {
		t.Fatalf("unknown mode should be rejected")
	}

	bad := testConfig(dir, up.srv.URL)
	bad.Jobs[0].Provider = "nope"
	badPath := filepath.Join(t.TempDir(), "bad.json")
	b, _ := json.Marshal(bad)
	if err := os.WriteFile(badPath, b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := Run(context.Background(), Options{ConfigPath: badPath}); code != ExitStartup {
		t.Fatalf("bad config: exit=%d", code)
	}
}

func TestScheduledStartStop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	up := newUpstream(t)
	cfg := testConfig(dir, up.srv.URL)
	cfg.Admin = config.AdminConfig{Enabled: true, Addr: "127.0.0.1:0"}
	path := writeConfig(t, dir, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(ctx, Options{ConfigPath: path, Mode: ModeScheduled})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-a.Admin().Ready():
	case <-ctx.Done():
		t.Fatalf("admin never became ready")
	}
	resp, err := http.Get("http://" + a.Admin().Addr() + "/jobs")
	if err != nil {
		t.Fatalf("admin get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin /jobs status=%d", resp.StatusCode)
	}

	// Cold start dispatches every job once.
	for up.hits.Load() < 2 {
		select {
		case <-ctx.Done():
			t.Fatalf("jobs never ran, hits=%d", up.hits.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	runs := recentRuns(t, dir)
	if len(runs) < 2 {
		t.Fatalf("run log has %d rows want >= 2", len(runs))
	}
	for _, r := range runs {
		if r.Trigger != job.TriggerStartup {
			t.Fatalf("unexpected trigger %q", r.Trigger)
		}
	}
}

func TestApplyConfigDemoFlags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	up := newUpstream(t)
	cfg := testConfig(dir, up.srv.URL)
	path := writeConfig(t, dir, cfg)

	a, err := New(context.Background(), Options{ConfigPath: path, Mode: ModeScheduled})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.closeResources()

	next := testConfig(dir, up.srv.URL)
	next.Providers[0].Demo = true
	next.Logging.Level = "warn"
	a.applyConfig(cfg, next)

	p, ok := a.Providers().Get("market")
	if !ok || !p.Client().Demo() {
		t.Fatalf("demo flag not applied")
	}
	if got := a.logs.Config().Level; got != "warn" {
		t.Fatalf("logging level=%q want warn", got)
	}
}

func TestProvidersNeedingRestart(t *testing.T) {
	t.Parallel()

	base := testConfig("/tmp", "http://example.com")
	demoOnly := testConfig("/tmp", "http://example.com")
	demoOnly.Providers[0].Demo = true
	budget := testConfig("/tmp", "http://example.com")
	budget.Providers[0].Calls = 5
	budget.Providers[0].Window = "1m"

	if got := providersNeedingRestart(base, demoOnly); len(got) != 0 {
		t.Fatalf("demo-only change flagged: %v", got)
	}
	if got := providersNeedingRestart(base, budget); len(got) != 1 || got[0] != "market" {
		t.Fatalf("budget change not flagged: %v", got)
	}
	if got := providersNeedingRestart(nil, base); len(got) != 1 {
		t.Fatalf("new provider not flagged: %v", got)
	}
}

func TestMapConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	sc, err := mapStorage(cfg)
	if err != nil || sc.Driver != "none" {
		t.Fatalf("nil storage section: %+v %v", sc, err)
	}
	cfg.Storage = &config.StorageConfig{Driver: " SQLite ", Path: "x.db", RunRetention: "72h"}
	sc, err = mapStorage(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != time.Second || sc.RunRetention != 72*time.Hour {
		t.Fatalf("storage=%+v err=%v", sc, err)
	}
	cfg.Storage.BusyTimeout = "soon"
	if _, err := mapStorage(cfg); err == nil {
		t.Fatalf("bad busy_timeout accepted")
	}

	cfg.Scheduler = config.SchedulerConfig{MaxConcurrent: 3, DefaultTimeout: "30s", CircuitTripFailures: 2}
	ec, err := mapEngine(cfg)
	if err != nil || ec.MaxConcurrent != 3 || ec.DefaultTimeout != 30*time.Second || ec.CircuitTripFailures != 2 {
		t.Fatalf("engine=%+v err=%v", ec, err)
	}
	cfg.Scheduler.SlowThreshold = "fast"
	if _, err := mapEngine(cfg); err == nil {
		t.Fatalf("bad slow_threshold accepted")
	}

	ac, err := mapAdmin(cfg)
	if err != nil || ac.Addr != "127.0.0.1:8090" || ac.ReadTimeout != 10*time.Second {
		t.Fatalf("admin=%+v err=%v", ac, err)
	}

	cfg.Logging = config.LoggingConfig{Level: "info", Console: true}
	if lc := mapLogging(cfg, true); lc.Level != "debug" || !lc.Console {
		t.Fatalf("logging=%+v", lc)
	}
}

type memRuns struct {
	mu   sync.Mutex
	runs []job.ExecutionResult
	err  error
}

func (m *memRuns) AppendRun(_ context.Context, res job.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.runs = append(m.runs, res)
	return nil
}

func (m *memRuns) RecentRuns(context.Context, string, int) ([]job.ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]job.ExecutionResult(nil), m.runs...), nil
}

func TestRunRecorderDrainsOnStop(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	runs := &memRuns{}
	rec := newRunRecorder(bus, runs, logx.Nop())

	now := time.Now()
	ok := job.ExecutionResult{ID: "a", JobName: "prices", Succeeded: true}
	skipped := job.ExecutionResult{ID: "b", JobName: "prices", Skipped: true}
	bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: now, Data: engine.JobEvent{ID: "a", Job: "prices"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Time: now, Data: engine.JobEvent{ID: "a", Result: &ok}})
	bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Time: now, Data: engine.JobEvent{ID: "b", Result: &skipped}})
	bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Time: now, Data: "not a job event"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)

	got, _ := runs.RecentRuns(context.Background(), "", 0)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("recorded=%+v", got)
	}

	// A failing run log only warns.
	runs.err = errors.New("disk full")
	rec.append(ok)
}

func TestSDNotifier(t *testing.T) {
	t.Parallel()

	var states []string
	n := &sdNotifier{log: logx.Nop(), notify: func(state string) (bool, error) {
		states = append(states, state)
		if state == "STOPPING=1" {
			return false, errors.New("no socket")
		}
		return true, nil
	}}
	n.Ready()
	n.Stopping()
	if len(states) != 2 || states[0] != "READY=1" || states[1] != "STOPPING=1" {
		t.Fatalf("states=%v", states)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Watchdog(ctx)
}
