// Package provider builds one fetch client per configured external data
// source. Limiters and caches are never shared between providers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"datapipe/internal/config"
	"datapipe/internal/fetch"
	"datapipe/internal/runtime/supervisor"
	logx "datapipe/pkg/logx"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Provider is one configured source: its base URL and its own client.
type Provider struct {
	name       string
	base       *url.URL
	headers    map[string]string
	client     *fetch.Client
	sweepEvery time.Duration
	demoConfig bool
}

func (p *Provider) Name() string          { return p.name }
func (p *Provider) Client() *fetch.Client { return p.client }

// Request resolves a configured request against the provider base URL.
func (p *Provider) Request(rc config.RequestConfig) (fetch.Request, error) {
	target, err := p.resolve(rc.Path)
	if err != nil {
		return fetch.Request{}, err
	}
	req := fetch.Request{
		Method:     rc.Method,
		URL:        target,
		Key:        rc.Key,
		AllowStale: rc.AllowStale,
	}
	if len(rc.Query) > 0 {
		req.Query = url.Values{}
		for k, v := range rc.Query {
			req.Query.Set(k, v)
		}
	}
	if len(p.headers) > 0 {
		req.Header = http.Header{}
		for k, v := range p.headers {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

func (p *Provider) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return u.String(), nil
	}
	if p.base == nil {
		return "", fmt.Errorf("provider %s: relative path %q without base_url", p.name, path)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("provider %s: invalid path %q: %w", p.name, path, err)
	}
	return p.base.ResolveReference(ref).String(), nil
}

// Fetch is shorthand for Client().Fetch.
func (p *Provider) Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	return p.client.Fetch(ctx, req)
}

// Options tune Build.
type Options struct {
	Log logx.Logger
	// ForceDemo puts every provider into demo mode (the -dev flag).
	ForceDemo bool
	// Doer overrides the HTTP transport for every provider.
	Doer fetch.Doer
	// Getenv resolves api_key_env; defaults to os.Getenv.
	Getenv func(string) string
}

// Set holds every provider of the process.
type Set struct {
	log       logx.Logger
	forceDemo bool

	mu     sync.RWMutex
	byName map[string]*Provider
	order  []string
}

// Build constructs one provider per config entry.
func Build(cfgs []config.ProviderConfig, opts Options) (*Set, error) {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	s := &Set{
		log:       opts.Log.With(logx.String("comp", "provider")),
		forceDemo: opts.ForceDemo,
		byName:    make(map[string]*Provider, len(cfgs)),
	}
	var errs []error
	for _, pc := range cfgs {
		p, err := build(pc, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := s.byName[p.name]; dup {
			errs = append(errs, fmt.Errorf("provider %s: duplicate name", p.name))
			continue
		}
		s.byName[p.name] = p
		s.order = append(s.order, p.name)
		s.log.Info("provider ready",
			logx.String("provider", p.name),
			logx.Int("calls", pc.Calls),
			logx.String("window", pc.Window),
			logx.Bool("demo", p.client.Demo()),
			logx.Bool("key_set", credential(pc, opts.Getenv) != ""),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

func build(pc config.ProviderConfig, opts Options) (*Provider, error) {
	name := strings.TrimSpace(pc.Name)
	fc, err := fetchConfig(pc, opts.ForceDemo)
	if err != nil {
		return nil, err
	}
	throttle, err := fetch.ThrottleByName(pc.Throttle, pc.ThrottleMarkers)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}

	p := &Provider{name: name, headers: pc.Headers, demoConfig: pc.Demo}
	if raw := strings.TrimSpace(pc.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("provider %s: base_url: %w", name, err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		p.base = u
	}
	var d config.Durations
	p.sweepEvery = d.Get("providers."+name+".sweep_every", pc.SweepEvery)
	if err := d.Err(); err != nil {
		return nil, err
	}

	clientOpts := []fetch.ClientOption{
		fetch.WithLogger(opts.Log.With(logx.String("comp", "fetch"))),
		fetch.WithThrottleDetector(throttle),
	}
	if opts.Doer != nil {
		clientOpts = append(clientOpts, fetch.WithDoer(opts.Doer))
	}
	if key := credential(pc, opts.Getenv); key != "" {
		clientOpts = append(clientOpts, fetch.WithAuthorizer(authorizer(pc, key)))
	}
	p.client = fetch.NewClient(fc, clientOpts...)
	return p, nil
}

func fetchConfig(pc config.ProviderConfig, forceDemo bool) (fetch.Config, error) {
	name := strings.TrimSpace(pc.Name)
	if name == "" {
		return fetch.Config{}, errors.New("provider name is required")
	}
	prefix := "providers." + name + "."
	var d config.Durations
	fc := fetch.Config{
		Name:            name,
		Calls:           pc.Calls,
		Window:          d.Get(prefix+"window", pc.Window),
		MinInterval:     d.Get(prefix+"min_interval", pc.MinInterval),
		TTL:             d.Or(prefix+"ttl", pc.TTL, time.Hour),
		StaleGrace:      d.Get(prefix+"stale_grace", pc.StaleGrace),
		MaxEntries:      pc.MaxEntries,
		MaxAttempts:     pc.MaxAttempts,
		BaseDelay:       d.Get(prefix+"base_delay", pc.BaseDelay),
		MaxDelay:        d.Get(prefix+"max_delay", pc.MaxDelay),
		Cooldown:        d.Get(prefix+"cooldown", pc.Cooldown),
		Timeout:         d.Get(prefix+"timeout", pc.Timeout),
		ExpectJSON:      pc.ExpectJSON,
		FallbackToCache: pc.FallbackToCache,
		Demo:            pc.Demo || forceDemo,
		DemoFallback:    pc.DemoFallback,
		UserAgent:       pc.UserAgent,
	}
	if err := d.Err(); err != nil {
		return fetch.Config{}, err
	}
	if fc.Calls > 0 && fc.Window <= 0 {
		return fetch.Config{}, fmt.Errorf("%swindow is required when calls is set", prefix)
	}
	return fc, nil
}

func credential(pc config.ProviderConfig, getenv func(string) string) string {
	if env := strings.TrimSpace(pc.APIKeyEnv); env != "" {
		if v := strings.TrimSpace(getenv(env)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(pc.APIKey)
}

// authorizer adds the key as a header or a query parameter. An
// Authorization header carries it as a bearer token.
func authorizer(pc config.ProviderConfig, key string) func(*http.Request) {
	if h := strings.TrimSpace(pc.APIKeyHeader); h != "" {
		val := key
		if strings.EqualFold(h, "Authorization") {
			val = "Bearer " + key
		}
		return func(r *http.Request) { r.Header.Set(h, val) }
	}
	param := strings.TrimSpace(pc.APIKeyParam)
	if param == "" {
		param = "apikey"
	}
	return func(r *http.Request) {
		q := r.URL.Query()
		q.Set(param, key)
		r.URL.RawQuery = q.Encode()
	}
}

// Get returns the named provider.
func (s *Set) Get(name string) (*Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byName[name]
	return p, ok
}

// Must is Get returning ErrUnknownProvider.
func (s *Set) Must(name string) (*Provider, error) {
	if p, ok := s.Get(name); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// ApplyDemo updates demo flags from a reloaded config. Providers missing from
// cfgs keep their current mode.
func (s *Set) ApplyDemo(cfgs []config.ProviderConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pc := range cfgs {
		p, ok := s.byName[strings.TrimSpace(pc.Name)]
		if !ok {
			continue
		}
		p.demoConfig = pc.Demo
		want := pc.Demo || s.forceDemo
		if p.client.Demo() != want {
			p.client.SetDemo(want)
			s.log.Info("provider demo mode changed", logx.String("provider", p.name), logx.Bool("demo", want))
		}
	}
}

// StartSweepers runs a cache sweep loop for every provider with sweep_every set.
func (s *Set) StartSweepers(sup *supervisor.Supervisor) {
	for _, name := range s.Names() {
		p, _ := s.Get(name)
		if p.sweepEvery <= 0 {
			continue
		}
		sup.GoRestart("cache-sweep:"+p.name, func(ctx context.Context) error {
			t := time.NewTicker(p.sweepEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case now := <-t.C:
					if n := p.client.Cache().Sweep(now); n > 0 {
						s.log.Debug("cache swept", logx.String("provider", p.name), logx.Int("evicted", n))
					}
				}
			}
		})
	}
}

// Stats returns client counters for every provider, sorted by name.
func (s *Set) Stats() []fetch.Stats {
	names := s.Names()
	sort.Strings(names)
	out := make([]fetch.Stats, 0, len(names))
	for _, n := range names {
		if p, ok := s.Get(n); ok {
			out = append(out, p.client.Stats())
		}
	}
	return out
}
