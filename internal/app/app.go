// Package app owns the process. It builds every component from the config
// file and runs them either once (run all or one job, print a summary, exit)
// or continuously under the scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"datapipe/internal/admin"
	"datapipe/internal/config"
	"datapipe/internal/eventbus"
	"datapipe/internal/fetch"
	"datapipe/internal/jobs"
	"datapipe/internal/provider"
	"datapipe/internal/runtime/supervisor"
	"datapipe/internal/storage"
	"datapipe/internal/task/engine"
	"datapipe/internal/task/job"
	"datapipe/internal/task/scheduler"
	logx "datapipe/pkg/logx"
)

type Mode string

const (
	ModeOnce      Mode = "once"
	ModeScheduled Mode = "scheduled"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitStartup = 2
)

// Options come from the command line.
type Options struct {
	ConfigPath string
	Mode       Mode
	// Job restricts once mode to a single job.
	Job   string
	Dev   bool
	Debug bool

	// Stdout receives the once-mode summary table. Default os.Stdout.
	Stdout io.Writer
	Doer   fetch.Doer
	Getenv func(string) string
}

type App struct {
	opts Options

	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	bus       eventbus.Bus
	store     storage.Store
	providers *provider.Set
	registry  *job.Registry
	engine    *engine.Service
	sched     *scheduler.Service
	admin     *admin.Server
	sd        *sdNotifier

	sup      *supervisor.Supervisor
	recorder *runRecorder
	stopRec  context.CancelFunc
	recDone  chan struct{}
	stopOnce sync.Once
}

// New loads the config and builds every component. Nothing runs yet.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Mode == "" {
		opts.Mode = ModeOnce
	}
	switch opts.Mode {
	case ModeOnce, ModeScheduled:
	default:
		return nil, fmt.Errorf("unknown mode %q (want once or scheduled)", opts.Mode)
	}
	if opts.Job != "" && opts.Mode != ModeOnce {
		return nil, errors.New("-job is only valid with -mode once")
	}

	bootLog := logx.NewConsole("INFO")
	cfgm := config.NewManager(opts.ConfigPath)
	cfgm.SetLogger(bootLog.With(logx.String("comp", "config")))
	// Reloads are committed only when the whole process could be rebuilt
	// from them.
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkBuildable(cfg, opts)
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, root := logx.New(mapLogging(cfg, opts.Debug))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{opts: opts, cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(ctx, cfg, root); err != nil {
		a.closeResources()
		return nil, err
	}
	log.Info("app ready",
		logx.String("mode", string(opts.Mode)),
		logx.String("config", opts.ConfigPath),
		logx.Strings("jobs", a.registry.Names()),
		logx.String("storage", a.store.Driver()),
		logx.Bool("dev", opts.Dev),
	)
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	engCfg, err := mapEngine(cfg)
	if err != nil {
		return err
	}
	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return err
	}

	a.store, err = storage.Open(sc, root)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if storage.IsDisabled(a.store) {
		a.log.Warn("storage disabled; jobs that persist records will fail")
	}

	var engOpts []engine.Option
	if a.opts.Mode == ModeOnce {
		// An interrupted one-shot run cancels its handlers.
		engOpts = append(engOpts, engine.WithBaseContext(ctx))
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "engine")), a.bus, engOpts...)

	a.providers, err = provider.Build(cfg.Providers, provider.Options{
		Log:       root,
		ForceDemo: a.opts.Dev,
		Doer:      a.opts.Doer,
		Getenv:    a.opts.Getenv,
	})
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	a.registry = job.NewRegistry()
	if _, err := jobs.Register(a.registry, cfg.Jobs, jobs.Deps{
		Providers: a.providers,
		Store:     a.store,
		Log:       root,
	}); err != nil {
		return fmt.Errorf("jobs: %w", err)
	}
	if a.registry.Len() == 0 {
		a.log.Warn("no enabled jobs")
	}
	a.sched = scheduler.New(schedCfg, a.registry, a.engine, root.With(logx.String("comp", "scheduler")))

	if !storage.IsDisabled(a.store) {
		a.recorder = newRunRecorder(a.bus, a.store, root)
	}

	if a.opts.Mode == ModeScheduled && cfg.Admin.Enabled {
		ac, err := mapAdmin(cfg)
		if err != nil {
			return err
		}
		deps := admin.Deps{
			Scheduler: a.sched,
			Providers: a.providers,
			Log:       root.With(logx.String("comp", "admin")),
			Token:     ac.Token,
			Pprof:     cfg.Admin.Pprof,
		}
		if !storage.IsDisabled(a.store) {
			deps.Runs = a.store
		}
		a.admin = admin.NewServer(ac, admin.NewRouter(deps), root)
	}
	a.sd = newSDNotifier(root)
	return nil
}

// checkBuildable builds a throwaway provider set and job table from cfg.
func checkBuildable(cfg *config.Config, opts Options) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapEngine(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapAdmin(cfg); err != nil {
		return err
	}
	providers, err := provider.Build(cfg.Providers, provider.Options{Getenv: opts.Getenv})
	if err != nil {
		return err
	}
	_, err = jobs.Register(job.NewRegistry(), cfg.Jobs, jobs.Deps{Providers: providers})
	return err
}

func (a *App) Logger() logx.Logger            { return a.log }
func (a *App) Store() storage.Store           { return a.store }
func (a *App) Scheduler() *scheduler.Service  { return a.sched }
func (a *App) Providers() *provider.Set       { return a.providers }
func (a *App) ConfigManager() *config.Manager { return a.cfgm }

// Admin returns the admin server, nil when disabled.
func (a *App) Admin() *admin.Server { return a.admin }

// startRecorder runs the recorder on its own context so shutdown can drain
// it after the last in-flight job.
func (a *App) startRecorder() {
	if a.recorder == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stopRec = cancel
	a.recDone = make(chan struct{})
	go func() {
		defer close(a.recDone)
		a.recorder.Run(ctx)
	}()
}

func (a *App) waitRecorder(ctx context.Context) {
	if a.recDone == nil {
		return
	}
	a.stopRec()
	select {
	case <-a.recDone:
	case <-ctx.Done():
		a.log.Warn("run log recorder did not finish before deadline")
	}
}

// RunOnce runs every job (or opts.Job) one time, prints the summary table and
// returns the exit code. It releases every resource before returning.
func (a *App) RunOnce(ctx context.Context) int {
	a.startRecorder()

	var sum scheduler.Summary
	if name := strings.TrimSpace(a.opts.Job); name != "" {
		started := time.Now()
		res, err := a.sched.RunOneNow(ctx, name)
		if errors.Is(err, scheduler.ErrUnknownJob) {
			a.log.Error("unknown job", logx.String("job", name), logx.Strings("known", a.registry.Names()))
			a.shutdown(context.Background(), StopFatalError)
			return ExitStartup
		}
		if res.ID == "" {
			now := time.Now()
			res = job.ExecutionResult{JobName: name, Trigger: job.TriggerRunOne, StartedAt: now, FinishedAt: now}
			if err != nil {
				res.Error = err.Error()
				res.Skipped = engine.IsSkip(err)
			}
		}
		sum = scheduler.Summary{StartedAt: started, FinishedAt: time.Now(), Results: []job.ExecutionResult{res}}
	} else {
		sum = a.sched.RunAllNow(ctx)
	}

	if err := sum.WriteTable(a.opts.Stdout); err != nil {
		a.log.Warn("write summary failed", logx.Err(err))
	}
	a.shutdown(context.Background(), StopRunDone)
	if !sum.OK() {
		return ExitFailed
	}
	return ExitOK
}

// Start runs the scheduler and every background service until Stop.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startRecorder()

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.providers.StartSweepers(a.sup)

	if a.admin != nil {
		if err := a.admin.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.watchConfig()
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)
	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop stops dispatching, waits for in-flight jobs until ctx ends and
// releases every resource. It is safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.sd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.shutdown(ctx, reason)
	return nil
}

func (a *App) shutdown(ctx context.Context, reason StopReason) {
	a.stopOnce.Do(func() {
		step := func(name string, max time.Duration, fn func(context.Context) error) {
			start := time.Now()
			stepCtx, cancel := context.WithTimeout(ctx, max)
			defer cancel()
			if err := fn(stepCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				return
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		}

		step("scheduler", 10*time.Second, func(c context.Context) error {
			if a.sched.State() == scheduler.StateStopped {
				return nil
			}
			if err := a.sched.Stop(c); err != nil {
				a.engine.Abort()
				return err
			}
			return nil
		})
		step("engine", 2*time.Second, a.engine.Stop)
		step("admin", 3*time.Second, func(c context.Context) error {
			if a.admin == nil {
				return nil
			}
			return a.admin.Stop(c)
		})
		if a.sup != nil {
			step("supervisor", 3*time.Second, a.sup.Stop)
		}
		step("runlog", 2*time.Second, func(c context.Context) error {
			a.waitRecorder(c)
			return nil
		})

		a.log.Info("stopped", logx.String("reason", string(reason)))
		a.closeResources()
	})
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// Run is the whole process: build, run in the selected mode, stop.
func Run(ctx context.Context, opts Options) int {
	a, err := New(ctx, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "datapipe:", err)
		return ExitStartup
	}
	if a.opts.Mode == ModeOnce {
		return a.RunOnce(ctx)
	}

	if err := a.Start(ctx); err != nil {
		a.log.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), StopFatalError)
		return ExitStartup
	}
	<-a.Done()

	reason, code := StopSignal, ExitOK
	if err := a.Err(); err != nil {
		a.log.Error("fatal error", logx.Err(err))
		reason, code = StopFatalError, ExitFailed
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return code
}
