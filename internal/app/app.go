// Package app wires configuration, logging, storage, the scheduler and the
// evaluation jobs into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"evalwatch/internal/config"
	"evalwatch/internal/eval/quota"
	"evalwatch/internal/eventbus"
	"evalwatch/internal/httpapi"
	"evalwatch/internal/notifier"
	"evalwatch/internal/observability/metrics"
	rtsup "evalwatch/internal/runtime/supervisor"
	"evalwatch/internal/storage"
	"evalwatch/internal/task/engine"
	"evalwatch/internal/task/scheduler"
	logx "evalwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	alerts  *notifier.Service
	engine  *engine.Service
	sched   *scheduler.Service
	metrics *metrics.Metrics
	http    *httpapi.Server
	quotaDB *quota.DB

	comps *components
}

// Option customizes New. Tests use it to skip the environment overlay.
type Option func(*options)

type options struct {
	envPrefix *string
}

// WithEnvPrefix overrides the environment overlay prefix; empty disables it.
func WithEnvPrefix(prefix string) Option {
	return func(o *options) { o.envPrefix = &prefix }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	if o.envPrefix != nil {
		cfgm.SetEnvPrefix(*o.envPrefix)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bus := eventbus.New()

	// The alert sink needs a logger, so logging starts without a forwarder.
	logSvc, root := logx.New(mapLogging(cfg), nil)
	log := root.With(logx.String("comp", "app"))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	alerts := notifier.New(ncfg, root.With(logx.String("comp", "notifier")), bus)
	logSvc.SetForwarder(alerts)
	if !alerts.Enabled() {
		log.Warn("no alert webhook configured; alerts will only be logged")
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		alerts:  alerts,
		metrics: metrics.New(bus),
	}
	if err := a.build(cfg, root); err != nil {
		_ = store.Close()
		if a.quotaDB != nil {
			_ = a.quotaDB.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "engine")), a.bus)

	var schedOpts []scheduler.Option
	if cfg.Scheduler.PersistState {
		schedOpts = append(schedOpts, scheduler.WithStateStore(a.store))
	}
	a.sched, err = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, a.engine,
		root.With(logx.String("comp", "scheduler")), schedOpts...)
	if err != nil {
		return err
	}

	jobs, err := mapJobs(cfg)
	if err != nil {
		return err
	}

	a.comps = &components{
		log:    root,
		bus:    a.bus,
		store:  a.store,
		alerts: a.alerts,
		loc:    a.sched.Location(),
	}
	for _, j := range jobs {
		if j.ID == JobQuota {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			db, err := quota.OpenDB(ctx, cfg.Quota.DSN)
			cancel()
			if err != nil {
				return fmt.Errorf("quota: %w", err)
			}
			a.quotaDB = db
			a.comps.quota = db
		}
	}
	if err := a.comps.build(cfg); err != nil {
		return err
	}

	for _, j := range jobs {
		err := a.sched.Register(scheduler.Job{
			ID:           j.ID,
			Name:         j.ID,
			Trigger:      j.Trigger,
			MaxInstances: j.MaxInstances,
			Timeout:      j.Timeout,
			Handler:      a.comps.handler(j.ID),
		}, scheduler.ReplaceExisting())
		if err != nil {
			return fmt.Errorf("register %s: %w", j.ID, err)
		}
		a.log.Info("job registered", logx.String("job", j.ID), logx.String("trigger", j.Trigger.Kind()))
	}

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	var sched httpapi.Scheduler
	if cfg.Scheduler.Enabled {
		sched = a.sched
	}
	a.http = httpapi.New(hcfg, httpapi.Deps{
		Scheduler: sched,
		Store:     a.store,
		Alerts:    a.alerts,
		Metrics:   a.metrics.Handler(),
		Health:    a.health,
	}, root.With(logx.String("comp", "http")))
	return nil
}

// Scheduler exposes the job scheduler for the command layer and tests.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Store exposes the score store.
func (a *App) Store() *storage.Store { return a.store }

// Logger returns a root logger tagged with comp. It follows logging reloads.
func (a *App) Logger(comp string) logx.Logger {
	return a.logs.Logger().With(logx.String("comp", comp))
}

// HTTPAddr is the bound control-surface address, empty when not serving.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

type healthView struct {
	Scheduler   scheduler.Snapshot     `json:"scheduler"`
	Supervisors []rtsup.Stats          `json:"supervisors"`
	HTTP        []rtsup.Stats          `json:"http,omitempty"`
	Alerts      []notifier.HistoryItem `json:"alerts"`
	BusDropped  uint64                 `json:"bus_dropped"`
}

func (a *App) health() any {
	h := healthView{
		Scheduler:  a.sched.Snapshot(),
		Alerts:     a.alerts.Snapshot(),
		BusDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		h.Supervisors = a.sup.Snapshot()
	}
	if hs := a.http.Supervisor(); hs != nil {
		h.HTTP = hs.Snapshot()
	}
	return h
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	a.engine.Start(a.sup.Context())
	if a.cfgm.Get().Scheduler.Enabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		a.log.Info("scheduler disabled")
	}

	if err := a.http.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// keep only the latest of a burst
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies the live sections of a reloaded config. Sections that
// need a restart are reported and left untouched.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLogging(newCfg))
	}
	if changed["alerts"] {
		if ncfg, err := mapNotifierConfig(newCfg); err != nil {
			a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		} else {
			a.alerts.Apply(ncfg)
		}
	}
	if changed["proxy"] || changed["benchmark"] || changed["fluctuation"] || changed["connectivity"] {
		if err := a.comps.build(newCfg); err != nil {
			a.log.Warn("invalid job config; keeping previous", logx.Err(err))
		}
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped, deadline passed", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() error {
	var firstErr error
	if a.quotaDB != nil {
		if err := a.quotaDB.Close(); err != nil {
			firstErr = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
