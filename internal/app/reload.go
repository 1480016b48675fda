package app

import (
	"context"
	"strings"
	"time"

	"datapipe/internal/config"
	"datapipe/internal/runtime/supervisor"
	logx "datapipe/pkg/logx"
)

// watchConfig starts the file watcher and the subscriber that applies the
// hot-reloadable parts of a new config: logging and provider demo flags.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	last := a.cfgm.Get()

	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = latest(sub, next)
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
}

// latest coalesces a burst of reloads into the newest one.
func latest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	if next == nil {
		return
	}
	change := config.SummarizeConfigChange(prev, next)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next, a.opts.Debug))
	a.providers.ApplyDemo(next.Providers)

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config reloaded", fields...)
	if names := providersNeedingRestart(prev, next); len(names) > 0 {
		a.log.Warn("provider settings other than demo apply after restart", logx.Strings("providers", names))
	}
	if change.RestartRequired() {
		a.log.Warn("config change needs a restart to take effect",
			logx.String("changed", strings.Join(change.Sections, ",")),
			logx.Strings("jobs", change.Jobs),
		)
	}
}

// providersNeedingRestart lists providers that changed in more than their
// demo flag.
func providersNeedingRestart(prev, next *config.Config) []string {
	strip := func(c *config.Config) *config.Config {
		out := &config.Config{}
		if c == nil {
			return out
		}
		for _, p := range c.Providers {
			p.Demo = false
			out.Providers = append(out.Providers, p)
		}
		return out
	}
	return config.SummarizeConfigChange(strip(prev), strip(next)).Providers
}
