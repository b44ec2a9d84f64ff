package app

import (
	"context"
	"reflect"
	"time"

	"storenotify/internal/config"
	logx "storenotify/pkg/logx"
)

// reloadLoop applies published configs. Bursts are coalesced so only the
// newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	set, err := config.Resolve(newCfg)
	if err != nil {
		// The manager validator already rejects these; keep running on the old settings.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	prev := a.set
	a.set = set

	if ro := restartOnly(sections); len(ro) > 0 {
		a.log.Warn("config change requires restart to take effect", logx.Strings("sections", ro))
	}

	a.logs.Apply(logConfig(newCfg))

	if set.Push.Enabled != prev.Push.Enabled || set.LocalEnabled != prev.LocalEnabled {
		a.log.Warn("delivery channel set changed; restart required", logx.Bool("push", set.Push.Enabled), logx.Bool("local", set.LocalEnabled))
	}
	if a.push != nil {
		a.push.Apply(pushConfig(set))
	}
	a.hub.SetTTL(set.BannerTTL)
	a.coord.Apply(dispatchConfig(set))
	a.cats.SetTTL(set.CategoryTTL)
	if set.FallbackTTL != prev.FallbackTTL {
		a.log.Warn("preference.fallback_ttl change requires restart")
	}

	a.applyTriggers(ctx, prev, set)

	if !reflect.DeepEqual(set.HTTP.AllowedOrigins, prev.HTTP.AllowedOrigins) {
		a.log.Warn("http.allowed_origins change requires restart")
	}
	a.api.Reconfigure(ctx, httpConfig(set, a.secrets))

	fields := append([]logx.Field{logx.String("changed", joinSections(sections))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyTriggers(ctx context.Context, prev, set config.Settings) {
	switch {
	case prev.Trigger.Enabled && !set.Trigger.Enabled:
		a.log.Info("triggers disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.stopTriggers(stopCtx); err != nil {
			a.log.Warn("stopping triggers failed", logx.Err(err))
		}
		cancel()
	case !prev.Trigger.Enabled && set.Trigger.Enabled:
		a.log.Info("triggers enabled via config")
		if err := a.startTriggers(ctx, set); err != nil {
			a.log.Error("starting triggers failed", logx.Err(err))
		}
	case set.Trigger.Enabled:
		if prev.Trigger.ReconnectMin != set.Trigger.ReconnectMin || prev.Trigger.ReconnectMax != set.Trigger.ReconnectMax {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.stopTriggers(stopCtx)
			cancel()
			if err := a.startTriggers(ctx, set); err != nil {
				a.log.Error("restarting triggers failed", logx.Err(err))
			}
			return
		}
		if eng := a.triggers(); eng != nil {
			if err := eng.Apply(triggerConfig(set)); err != nil {
				a.log.Warn("rescheduling sweeps failed", logx.Err(err))
			}
		}
	}
}
