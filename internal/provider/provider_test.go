package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"datapipe/internal/config"
	"datapipe/internal/runtime/supervisor"
	logx "datapipe/pkg/logx"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestBuildAndAuthorize(t *testing.T) {
	t.Parallel()

	var gotKey, gotHeader atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.URL.Query().Get("apikey"))
		gotHeader.Store(r.Header.Get("X-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	set, err := Build([]config.ProviderConfig{
		{Name: "query", BaseURL: srv.URL, APIKeyEnv: "Q_KEY", APIKey: "fallback", ExpectJSON: true},
		{Name: "header", BaseURL: srv.URL + "/v2", APIKey: "h-secret", APIKeyHeader: "X-Token"},
	}, Options{Log: logx.Nop(), Getenv: env(map[string]string{"Q_KEY": "env-secret"})})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := set.Names(); len(got) != 2 || got[0] != "query" {
		t.Fatalf("names=%v", got)
	}

	q, _ := set.Get("query")
	req, err := q.Request(config.RequestConfig{Path: "/data", Query: map[string]string{"symbol": "IBM"}})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.URL != srv.URL+"/data" || req.Query.Get("symbol") != "IBM" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if _, err := q.Fetch(context.Background(), req); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotKey.Load() != "env-secret" {
		t.Fatalf("api key=%v want env-secret", gotKey.Load())
	}

	h, _ := set.Get("header")
	req, _ = h.Request(config.RequestConfig{Path: "quotes"})
	if req.URL != srv.URL+"/v2/quotes" {
		t.Fatalf("relative path url=%q", req.URL)
	}
	if _, err := h.Fetch(context.Background(), req); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotHeader.Load() != "h-secret" || gotKey.Load() != "" {
		t.Fatalf("header=%v key=%v", gotHeader.Load(), gotKey.Load())
	}

	if _, err := set.Must("missing"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestBuildRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []config.ProviderConfig{
		{Name: ""},
		{Name: "a", Calls: 5},
		{Name: "b", TTL: "forever"},
		{Name: "c", Throttle: "psychic"},
	}
	for _, pc := range cases {
		if _, err := Build([]config.ProviderConfig{pc}, Options{}); err == nil {
			t.Fatalf("expected error for %+v", pc)
		}
	}
	if _, err := Build([]config.ProviderConfig{{Name: "a"}, {Name: "a"}}, Options{}); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestDemoModeAndReload(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"live":true}`))
	}))
	defer srv.Close()

	cfgs := []config.ProviderConfig{{Name: "p", BaseURL: srv.URL, TTL: "1ns"}}
	set, err := Build(cfgs, Options{ForceDemo: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	p, _ := set.Get("p")
	req, _ := p.Request(config.RequestConfig{Path: "/x"})

	resp, err := p.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !resp.Synthetic || calls.Load() != 0 {
		t.Fatalf("forced demo must not hit network: synthetic=%v calls=%d", resp.Synthetic, calls.Load())
	}

	// -dev keeps demo on even when the reloaded config turns it off.
	set.ApplyDemo([]config.ProviderConfig{{Name: "p", Demo: false}})
	if !p.Client().Demo() {
		t.Fatalf("forced demo should survive reload")
	}

	set2, _ := Build([]config.ProviderConfig{{Name: "p", BaseURL: srv.URL, Demo: true}}, Options{})
	p2, _ := set2.Get("p")
	set2.ApplyDemo([]config.ProviderConfig{{Name: "p", Demo: false}})
	req2, _ := p2.Request(config.RequestConfig{Path: "/x"})
	resp, err = p2.Fetch(context.Background(), req2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Synthetic || calls.Load() != 1 {
		t.Fatalf("live fetch expected after reload: synthetic=%v calls=%d", resp.Synthetic, calls.Load())
	}

	stats := set2.Stats()
	if len(stats) != 1 || stats[0].Provider != "p" || stats[0].Demo {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestCacheSweeper(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	set, err := Build([]config.ProviderConfig{{Name: "p", BaseURL: srv.URL, TTL: "5ms", SweepEvery: "5ms"}}, Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	p, _ := set.Get("p")
	req, _ := p.Request(config.RequestConfig{Path: "/a"})
	if _, err := p.Fetch(context.Background(), req); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if p.Client().Cache().Len() != 1 {
		t.Fatalf("expected cached entry")
	}

	sup := supervisor.New(context.Background())
	set.StartSweepers(sup)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.Client().Cache().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not evict expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
