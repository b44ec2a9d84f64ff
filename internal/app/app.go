// Package app wires the notification engine together: config, storage,
// delivery chain, dispatch, triggers and the HTTP API.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"storenotify/internal/cache"
	"storenotify/internal/category"
	"storenotify/internal/config"
	"storenotify/internal/delivery"
	"storenotify/internal/dispatch"
	"storenotify/internal/eventbus"
	"storenotify/internal/guard"
	"storenotify/internal/httpapi"
	"storenotify/internal/model"
	"storenotify/internal/notify"
	"storenotify/internal/preference"
	rtsup "storenotify/internal/runtime/supervisor"
	"storenotify/internal/storage"
	"storenotify/internal/trigger"
	logx "storenotify/pkg/logx"
)

type Options struct {
	ConfigPath string
	// DotenvFiles are loaded before secrets are parsed; missing files are ignored.
	DotenvFiles []string
}

type App struct {
	cfgm    *config.ConfigManager
	set     config.Settings
	secrets config.Secrets
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  *storage.SQLStore
	feed   storage.ChangeFeed
	redis  *redis.Client
	locker guard.Locker

	cats  *category.Resolver
	prefs *preference.Service
	push  *delivery.RemotePush
	hub   *delivery.Hub
	coord *dispatch.Coordinator
	svc   *notify.Service
	api   *httpapi.Server

	trigMu sync.Mutex
	engine *trigger.Engine
}

// New loads the config and secrets and builds every component. Nothing
// runs until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	secrets, err := config.LoadSecrets(opts.DotenvFiles...)
	if err != nil {
		return nil, err
	}
	if err := secrets.Check(set); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(logConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{cfgm: cfgm, set: set, secrets: secrets, log: log, logs: logSvc, bus: bus}
	if err := a.build(ctx, root); err != nil {
		a.closeStorage()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, root logx.Logger) error {
	set := a.set
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	sc := storageConfig(set, a.secrets)
	sc.Bus = a.bus
	sc.Log = comp("storage")
	st, err := storage.Open(ctx, sc)
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("storage ready", logx.String("driver", st.Driver()))

	switch set.Storage.Feed {
	case "postgres":
		a.feed = storage.NewPGFeed(st.Pool(), comp("storage.pgfeed"))
	default:
		a.feed = storage.NewBusFeed(a.bus)
	}

	gopts := guardOptions(set, comp("guard"))
	if set.Guard.Strategy == "native" {
		rdb, err := guard.Connect(ctx, a.secrets.RedisURL, 3, time.Second)
		if err != nil {
			return err
		}
		a.redis = rdb
		a.locker = guard.New(gopts, rdb)
	} else {
		a.locker = guard.New(gopts, nil)
	}

	lists := cache.NewTTL[string, []model.Category](set.CategoryTTL, cache.WithMaxEntries(set.CacheMaxEntries))
	a.cats = category.New(st, set.CategoryTTL, category.WithLogger(comp("category")), category.WithCache(lists))
	if n, err := a.cats.SeedDefaults(ctx); err != nil {
		a.log.Warn("seeding default categories failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("default categories seeded", logx.Int("count", n))
	}
	a.prefs = preference.New(st, a.cats,
		preference.WithLogger(comp("preference")),
		preference.WithFallbackTTL(set.FallbackTTL),
	)

	var channels []delivery.Channel
	if set.Push.Enabled {
		a.push = delivery.NewRemotePush(st, delivery.NewWebPush(webPushConfig(set, a.secrets)), pushConfig(set), comp("delivery.push"))
		channels = append(channels, a.push)
	}
	if set.LocalEnabled {
		tg, err := delivery.NewTelegram(a.secrets.TelegramToken, 10*time.Second)
		if err != nil {
			return err
		}
		channels = append(channels, delivery.NewLocalPlatform(st, tg))
	}
	a.hub = delivery.NewHub(set.BannerTTL, comp("delivery.inapp"))
	channels = append(channels, a.hub)
	chain := delivery.NewChain(st,
		delivery.WithChannels(channels...),
		delivery.WithBus(a.bus),
		delivery.WithLogger(comp("delivery")),
	)

	a.coord = dispatch.New(dispatchConfig(set), dispatch.Deps{
		Categories:  a.cats,
		Preferences: a.prefs,
		Delivery:    chain,
		Marks:       st,
		Locker:      a.locker,
		Bus:         a.bus,
		Log:         comp("dispatch"),
	})
	a.svc = notify.New(notify.Deps{
		History:     st,
		Registry:    st,
		Users:       st,
		Categories:  a.cats,
		Preferences: a.prefs,
		Dispatch:    a.coord,
		Banners:     a.hub,
		Locker:      a.locker,
		Log:         comp("notify"),
	})

	h := httpapi.NewHandler(a.svc, set.HTTP.AllowedOrigins, comp("httpapi"))
	a.api = httpapi.NewServer(httpConfig(set, a.secrets), h.Routes(), root)

	a.log.Info("delivery chain ready", logx.Any("channels", chain.Channels()))
	return nil
}

// Service exposes the notification operations (embedding callers, tests).
func (a *App) Service() *notify.Service { return a.svc }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject a reload that would not resolve before it is committed.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		set, err := config.Resolve(cfg)
		if err != nil {
			return err
		}
		return a.secrets.Check(set)
	})

	if a.set.Trigger.Enabled {
		if err := a.startTriggers(a.sup.Context(), a.set); err != nil {
			return err
		}
	}
	a.api.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128, "dispatch.", "delivery.", "trigger.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)
	a.sup.Go0("systemd.watchdog", watchdog)

	a.log.Info("app started",
		logx.Bool("triggers", a.set.Trigger.Enabled),
		logx.Bool("http", a.set.HTTP.Enabled),
		logx.String("feed", a.set.Storage.Feed),
		logx.String("guard", a.set.Guard.Strategy),
	)
	return nil
}

func (a *App) startTriggers(ctx context.Context, set config.Settings) error {
	a.trigMu.Lock()
	defer a.trigMu.Unlock()
	if a.engine != nil {
		return nil
	}
	listener := trigger.NewListener(ctx, a.feed,
		trigger.WithListenerLogger(a.log.With(logx.String("comp", "trigger"))),
		trigger.WithListenerBus(a.bus),
		trigger.WithReconnectBackoff(set.Trigger.ReconnectMin, set.Trigger.ReconnectMax),
	)
	eng := trigger.NewEngine(triggerConfig(set), trigger.EngineDeps{
		Listener: listener,
		Sched:    trigger.NewScheduler(ctx, a.log.With(logx.String("comp", "trigger.sched"))),
		Dispatch: a.coord,
		Sync:     a.cats,
		Store:    a.store,
		Locker:   a.locker,
		Log:      a.log.With(logx.String("comp", "trigger.engine")),
	})
	if err := eng.Start(); err != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = eng.Close(cctx)
		cancel()
		return fmt.Errorf("start triggers: %w", err)
	}
	a.engine = eng
	return nil
}

func (a *App) stopTriggers(ctx context.Context) error {
	a.trigMu.Lock()
	eng := a.engine
	a.engine = nil
	a.trigMu.Unlock()
	if eng == nil {
		return nil
	}
	return eng.Close(ctx)
}

func (a *App) triggers() *trigger.Engine {
	a.trigMu.Lock()
	defer a.trigMu.Unlock()
	return a.engine
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Stop inbound work first: API, then change-feed triggers and sweeps.
	step("httpapi", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("triggers", 3*time.Second, a.stopTriggers)
	step("banners", time.Second, func(context.Context) error { a.hub.Close(); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { a.closeStorage(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStorage() {
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

// restartOnly lists sections whose changes are logged but not applied live.
func restartOnly(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "guard":
			out = append(out, s)
		}
	}
	return out
}

func joinSections(s []string) string { return strings.Join(s, ",") }
