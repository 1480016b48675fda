package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"datapipe/internal/fetch"
	"datapipe/internal/task/engine"
	"datapipe/internal/task/job"
	"datapipe/internal/task/scheduler"
	logx "datapipe/pkg/logx"
)

type fakeScheduler struct {
	jobs      []job.State
	triggered []string
}

func (f *fakeScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{State: "running", Jobs: f.jobs}
}

func (f *fakeScheduler) Trigger(name string) error {
	switch name {
	case "busy":
		return fmt.Errorf("%w: %s", scheduler.ErrJobRunning, name)
	case "tripped":
		return engine.ErrCircuitOpen
	case "full":
		return engine.ErrNoSlot
	}
	for _, j := range f.jobs {
		if j.Name == name {
			f.triggered = append(f.triggered, name)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", scheduler.ErrUnknownJob, name)
}

type fakeStats struct{}

func (fakeStats) Stats() []fetch.Stats { return []fetch.Stats{{Provider: "market", Requests: 3}} }

type fakeRuns struct {
	gotJob   string
	gotLimit int
	err      error
}

func (f *fakeRuns) RecentRuns(_ context.Context, jobName string, limit int) ([]job.ExecutionResult, error) {
	f.gotJob, f.gotLimit = jobName, limit
	if f.err != nil {
		return nil, f.err
	}
	return []job.ExecutionResult{{ID: "r1", JobName: jobName, Succeeded: true}}, nil
}

func do(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{jobs: []job.State{{Name: "prices"}, {Name: "news"}}}
	runs := &fakeRuns{}
	h := NewRouter(Deps{Scheduler: sched, Providers: fakeStats{}, Runs: runs})

	cases := []struct {
		method, target string
		want           int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/jobs", http.StatusOK},
		{http.MethodGet, "/jobs/prices", http.StatusOK},
		{http.MethodGet, "/jobs/ghost", http.StatusNotFound},
		{http.MethodPost, "/jobs/prices/run", http.StatusAccepted},
		{http.MethodPost, "/jobs/ghost/run", http.StatusNotFound},
		{http.MethodPost, "/jobs/busy/run", http.StatusConflict},
		{http.MethodPost, "/jobs/tripped/run", http.StatusTooManyRequests},
		{http.MethodPost, "/jobs/full/run", http.StatusServiceUnavailable},
		{http.MethodGet, "/jobs/prices/run", http.StatusMethodNotAllowed},
		{http.MethodGet, "/providers", http.StatusOK},
		{http.MethodGet, "/runs?job=prices&limit=5", http.StatusOK},
		{http.MethodGet, "/runs?limit=abc", http.StatusBadRequest},
		{http.MethodGet, "/status", http.StatusOK},
		{http.MethodGet, "/debug/pprof/", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := do(t, h, tc.method, tc.target, nil)
		if rec.Code != tc.want {
			t.Fatalf("%s %s: status=%d want %d body=%s", tc.method, tc.target, rec.Code, tc.want, rec.Body.String())
		}
	}
	if len(sched.triggered) != 1 || sched.triggered[0] != "prices" {
		t.Fatalf("triggered=%v", sched.triggered)
	}
	if runs.gotJob != "prices" || runs.gotLimit != 5 {
		t.Fatalf("runs query job=%q limit=%d", runs.gotJob, runs.gotLimit)
	}

	var jobs []job.State
	rec := do(t, h, http.MethodGet, "/jobs", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil || len(jobs) != 2 {
		t.Fatalf("jobs body=%s err=%v", rec.Body.String(), err)
	}
}

func TestRunsUnavailable(t *testing.T) {
	t.Parallel()

	h := NewRouter(Deps{Runs: &fakeRuns{err: errors.New("storage disabled")}})
	if rec := do(t, h, http.MethodGet, "/runs", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/jobs", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("jobs without scheduler should not be mounted: %d", rec.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	h := NewRouter(Deps{Scheduler: &fakeScheduler{}, Token: "s3cret", Pprof: true})

	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/jobs", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/jobs?token=nope", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/jobs?token=s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token: %d", rec.Code)
	}
	hdr := http.Header{"Authorization": {"Bearer s3cret"}}
	if rec := do(t, h, http.MethodGet, "/jobs", hdr); rec.Code != http.StatusOK {
		t.Fatalf("bearer token: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/debug/pprof/", hdr); rec.Code != http.StatusOK {
		t.Fatalf("pprof index: %d", rec.Code)
	}
}

func TestTokenEqual(t *testing.T) {
	t.Parallel()

	cases := []struct {
		got, want string
		ok        bool
	}{
		{"s3cret", "s3cret", true},
		{"s3cre", "s3cret", false},
		{"s3cretX", "s3cret", false},
		{"S3CRET", "s3cret", false},
		{"", "s3cret", false},
	}
	for _, tc := range cases {
		if got := tokenEqual(tc.got, tc.want); got != tc.ok {
			t.Fatalf("tokenEqual(%q, %q)=%v want %v", tc.got, tc.want, got, tc.ok)
		}
	}

	h := NewRouter(Deps{Scheduler: &fakeScheduler{}, Token: "s3cret"})
	hdr := http.Header{"Authorization": {"Bearer s3cretX"}}
	if rec := do(t, h, http.MethodGet, "/jobs", hdr); rec.Code != http.StatusUnauthorized {
		t.Fatalf("token with suffix accepted: %d", rec.Code)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	h := NewRouter(Deps{Scheduler: &fakeScheduler{}})
	srv := NewServer(Config{Addr: "127.0.0.1:0"}, h, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		t.Fatalf("server never became ready")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}

	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Addr: "0.0.0.0:0"}, http.NotFoundHandler(), logx.Nop())
	if err := srv.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("expected ErrInsecureBind, got %v", err)
	}

	for addr, want := range map[string]bool{
		"127.0.0.1:1": true,
		"[::1]:1":     true,
		"localhost:1": true,
		":8090":       false,
		"10.0.0.1:1":  false,
		"garbage":     false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}
