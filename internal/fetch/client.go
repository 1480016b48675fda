package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	logx "datapipe/pkg/logx"

	"golang.org/x/sync/singleflight"
)

// Doer is the raw HTTP primitive. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config is the per-provider fetch policy.
type Config struct {
	Name string

	// Calls per Window; Calls <= 0 disables the window budget.
	Calls       int
	Window      time.Duration
	MinInterval time.Duration

	TTL        time.Duration
	StaleGrace time.Duration
	MaxEntries int

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Cooldown is the provider's own pause after a throttle signal.
	Cooldown time.Duration

	ExpectJSON      bool
	FallbackToCache bool
	Demo            bool
	DemoFallback    bool

	MaxBodyBytes int64
	UserAgent    string
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "default"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 16 << 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Client is the retrying, rate-limited, caching fetch client of one provider.
// It owns its limiter and cache; they are never shared between providers.
type Client struct {
	cfg Config
	log logx.Logger

	doer      Doer
	limiter   *RateLimiter
	cache     *ResponseCache
	throttle  ThrottleDetector
	validate  Validator
	authorize func(*http.Request)
	synth     Synthesizer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	flights singleflight.Group
	demo    atomic.Bool

	requests  atomic.Uint64
	cacheHits atomic.Uint64
	attempts  atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64
	degraded  atomic.Uint64
}

type ClientOption func(*Client)

func WithDoer(d Doer) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.doer = d
		}
	}
}

func WithLogger(log logx.Logger) ClientOption { return func(c *Client) { c.log = log } }

func WithThrottleDetector(fn ThrottleDetector) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.throttle = fn
		}
	}
}

// WithValidator adds a body check for 2xx responses. ExpectJSON runs first.
func WithValidator(fn Validator) ClientOption { return func(c *Client) { c.validate = fn } }

// WithAuthorizer decorates every outgoing request, e.g. to add an API key.
func WithAuthorizer(fn func(*http.Request)) ClientOption {
	return func(c *Client) { c.authorize = fn }
}

func WithSynthesizer(s Synthesizer) ClientOption { return func(c *Client) { c.synth = s } }

// WithClock replaces the time source and sleep primitive for the client, its
// limiter and its cache.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func NewClient(cfg Config, opts ...ClientOption) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		throttle: StatusThrottle,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("provider", cfg.Name))
	if c.doer == nil {
		c.doer = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.ExpectJSON {
		c.validate = chainValidators(ValidJSON, c.validate)
	}
	if c.synth == nil {
		c.synth = SampleSeries{Now: c.now}
	}
	limOpts := []LimiterOption{WithLimiterClock(c.now, c.sleep)}
	if cfg.MinInterval > 0 {
		limOpts = append(limOpts, WithMinInterval(cfg.MinInterval))
	}
	c.limiter = NewRateLimiter(cfg.Calls, cfg.Window, limOpts...)
	c.cache = NewResponseCache(
		WithStaleGrace(cfg.StaleGrace),
		WithMaxEntries(cfg.MaxEntries),
		WithCacheClock(c.now),
	)
	c.demo.Store(cfg.Demo)
	return c
}

func (c *Client) Name() string          { return c.cfg.Name }
func (c *Client) Config() Config        { return c.cfg }
func (c *Client) Limiter() *RateLimiter { return c.limiter }
func (c *Client) Cache() *ResponseCache { return c.cache }
func (c *Client) Demo() bool            { return c.demo.Load() }

// SetDemo switches synthetic responses on or off at runtime.
func (c *Client) SetDemo(enabled bool) { c.demo.Store(enabled) }

// Fetch returns the response for req, from cache when a live entry exists,
// otherwise through the limiter with bounded retries.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	c.requests.Add(1)
	key := req.CacheKey()

	if c.Demo() {
		return c.synthesize(req, "demo")
	}

	if cached, ok := c.cache.Get(key); ok {
		c.cacheHits.Add(1)
		cached.FromCache = true
		c.log.Trace("cache hit", logx.String("key", key))
		return &cached, nil
	}

	// Concurrent identical requests share one live call. The call is detached
	// from every caller; each caller stops waiting only when its own ctx ends.
	ch := c.flights.DoChan(key, func() (any, error) {
		return c.fetchLive(context.WithoutCancel(ctx), req, key)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		var fe *FetchError
		if errors.As(res.Err, &fe) {
			c.failures.Add(1)
		}
		return c.degrade(ctx, req, key, res.Err)
	}
	resp := res.Val.(*Response).clone()
	if res.Shared {
		c.log.Trace("request collapsed", logx.String("key", key))
	}
	return &resp, nil
}

func (c *Client) fetchLive(ctx context.Context, req Request, key string) (*Response, error) {
	var last *outcome
	attempts := 0
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		attempts++
		c.attempts.Add(1)

		resp, out, err := c.do(ctx, req)
		if err != nil {
			return nil, err
		}
		if out == nil {
			resp.Attempts = attempts
			c.cache.Set(key, *resp, c.cfg.TTL)
			return resp, nil
		}
		last = out
		if !out.kind.Retryable() || attempt+1 >= c.cfg.MaxAttempts {
			break
		}

		wait := c.backoff(attempt)
		if out.kind == KindThrottled {
			wait = maxDuration(wait, c.cfg.Cooldown, out.retryAfter)
		}
		c.retries.Add(1)
		c.log.Debug("fetch retry scheduled",
			logx.String("kind", string(out.kind)),
			logx.Int("status", out.status),
			logx.Int("attempt", attempts),
			logx.Duration("wait", wait),
			logx.Err(out.err),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, &FetchError{Provider: c.cfg.Name, Kind: last.kind, Attempts: attempts, Status: last.status, Err: last.err}
}

// do performs a single attempt. A non-nil error means the caller's context
// ended and no retry should follow.
func (c *Client) do(ctx context.Context, req Request) (*Response, *outcome, error) {
	hreq, err := req.build(ctx)
	if err != nil {
		return nil, nil, err
	}
	if c.cfg.UserAgent != "" && hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.authorize != nil {
		c.authorize(hreq)
	}

	hresp, err := c.doer.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, &outcome{kind: KindTransport, err: err}, nil
	}
	defer hresp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(hresp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, &outcome{kind: KindTransport, status: hresp.StatusCode, err: fmt.Errorf("read body: %w", err)}, nil
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		if hresp.StatusCode >= 200 && hresp.StatusCode < 300 {
			return nil, &outcome{kind: KindMalformed, status: hresp.StatusCode, err: fmt.Errorf("body exceeds %d bytes", c.cfg.MaxBodyBytes)}, nil
		}
		// Error bodies are only inspected for throttle hints.
		body = body[:c.cfg.MaxBodyBytes]
	}

	if out := classify(hresp.StatusCode, hresp.Header, body, c.throttle, c.validate, c.now()); out != nil {
		return nil, out, nil
	}
	return &Response{Status: hresp.StatusCode, Header: hresp.Header.Clone(), Body: body}, nil, nil
}

// degrade applies the stale-cache and synthetic fallbacks to a failed fetch.
func (c *Client) degrade(ctx context.Context, req Request, key string, cause error) (*Response, error) {
	if ctx.Err() != nil || errors.Is(cause, ErrInvalidRequest) {
		return nil, cause
	}
	if req.AllowStale || c.cfg.FallbackToCache {
		if stale, ok := c.cache.GetStale(key); ok {
			c.degraded.Add(1)
			c.log.Warn("serving stale cached response", logx.String("key", key), logx.Err(cause))
			stale.FromCache = true
			stale.Stale = true
			return &stale, nil
		}
	}
	if c.cfg.DemoFallback {
		c.degraded.Add(1)
		c.log.Warn("serving synthetic response after failure", logx.String("key", key), logx.Err(cause))
		return c.synthesize(req, "fallback")
	}
	return nil, cause
}

func (c *Client) synthesize(req Request, why string) (*Response, error) {
	body, err := c.synth.Synthesize(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: synthesize (%s): %w", c.cfg.Name, why, err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{Status: http.StatusOK, Header: h, Body: body, Synthetic: true}, nil
}

// backoff is min(MaxDelay, BaseDelay * 2^attempt) for a zero-based attempt.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d
}

func chainValidators(vs ...Validator) Validator {
	return func(body []byte) error {
		for _, v := range vs {
			if v == nil {
				continue
			}
			if err := v(body); err != nil {
				return err
			}
		}
		return nil
	}
}

func maxDuration(ds ...time.Duration) time.Duration {
	var m time.Duration
	for _, d := range ds {
		if d > m {
			m = d
		}
	}
	return m
}

type Stats struct {
	Provider  string          `json:"provider"`
	Demo      bool            `json:"demo"`
	Requests  uint64          `json:"requests"`
	CacheHits uint64          `json:"cache_hits"`
	Attempts  uint64          `json:"attempts"`
	Retries   uint64          `json:"retries"`
	Failures  uint64          `json:"failures"`
	Degraded  uint64          `json:"degraded"`
	Cached    int             `json:"cached"`
	Limiter   LimiterSnapshot `json:"limiter"`
}

func (c *Client) Stats() Stats {
	return Stats{
		Provider:  c.cfg.Name,
		Demo:      c.Demo(),
		Requests:  c.requests.Load(),
		CacheHits: c.cacheHits.Load(),
		Attempts:  c.attempts.Load(),
		Retries:   c.retries.Load(),
		Failures:  c.failures.Load(),
		Degraded:  c.degraded.Load(),
		Cached:    c.cache.Len(),
		Limiter:   c.limiter.Snapshot(),
	}
}
