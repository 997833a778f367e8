package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/flash"
	"notifyd/internal/httpapi"
	"notifyd/internal/ledger"
	"notifyd/internal/lifecycle"
	"notifyd/internal/observability/metrics"
	"notifyd/internal/provider"
	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/internal/schedule"
	"notifyd/internal/storage"
	"notifyd/internal/task/engine"
	"notifyd/internal/task/scheduler"
	logx "notifyd/pkg/logx"

	"github.com/dmitrymomot/saaskit/pkg/audit"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock clockwork.Clock

	engine    *engine.Service
	timers    *scheduler.Service
	sched     *schedule.Service
	templates *lifecycle.Service
	ledger    *ledger.Ledger
	providers *provider.Registry
	dispatch  *dispatch.Dispatcher
	flash     *flash.Limiter
	http      *httpapi.Server
	images    *imageBase

	driver       string
	schedEnabled atomic.Bool
	started      time.Time
}

// NewApp loads the config and builds every component. Nothing runs until
// Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	clock := clockwork.NewRealClock()

	loc, _ := mapLocation(cfg)
	stCfg, _ := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, stCfg, log)
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", stCfg.Driver))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	bus := eventbus.New()

	engCfg, _ := mapTaskEngineConfig(cfg)
	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	timers := scheduler.New(scheduler.Config{Location: loc}, clock, eng, log)

	ledCfg, _ := mapLedgerConfig(cfg)
	led := ledger.New(store, clock, ledCfg, log)

	drv, _ := mapProviderDriver(cfg)
	providers := provider.NewRegistry(drv, log)
	providers.Init(ctx, mapProviderConfig(cfg))

	images := newImageBase(cfg.Dispatch.ImageBaseURL)
	dCfg, _ := mapDispatchConfig(cfg)
	disp := dispatch.New(dCfg, led, providers, log,
		dispatch.WithBus(bus), dispatch.WithMetrics(m), dispatch.WithImageResolver(images))

	lim := flash.New(mapFlashConfig(cfg, loc), store, store, led, images, clock, m, log)

	schCfg, _ := mapScheduleConfig(cfg)
	sched := schedule.New(schCfg, store, timers, eng, clock, m, log)
	auditLog := audit.NewLogger(storage.NewAuditLog(store), audit.WithUserIDExtractor(lifecycle.ActorFromContext))
	lc := lifecycle.New(store, disp, sched, clock, log,
		lifecycle.WithBus(bus), lifecycle.WithMetrics(m), lifecycle.WithPurger(led), lifecycle.WithAudit(auditLog))
	sched.Bind(lc)

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		clock:     clock,
		engine:    eng,
		timers:    timers,
		sched:     sched,
		templates: lc,
		ledger:    led,
		providers: providers,
		dispatch:  disp,
		flash:     lim,
		images:    images,
		driver:    drv.Name(),
	}
	a.schedEnabled.Store(cfg.Scheduler.Enabled)

	hCfg, _ := mapHTTPConfig(cfg)
	a.http = httpapi.NewServer(hCfg, httpapi.Deps{
		Templates: lc,
		Flash:     lim,
		Health:    a.health,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, log)
	return a, nil
}

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true), rtsup.WithClock(a.clock))
	a.started = a.clock.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// Engine first so the startup sweep has somewhere to enqueue.
	a.engine.Start(a.sup.Context())
	if a.schedEnabled.Load() {
		if err := a.startScheduling(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; scheduled and interval templates will not fire")
	}
	a.http.Start(a.sup.Context())

	a.startReloadLoop()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("provider", a.driver),
		logx.Any("brands", a.providers.Brands()),
		logx.Bool("scheduler", a.schedEnabled.Load()),
	)
	return nil
}

func (a *App) startScheduling(ctx context.Context) error {
	a.timers.Start(ctx)
	if err := a.sched.Start(ctx); err != nil {
		a.timers.Stop(ctx)
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}

// hot reload config fan-out
func (a *App) startReloadLoop() {
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
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer, ok := <-sub:
						if !ok {
							drained = true
						} else if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.apply(c, newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})
}

func (a *App) apply(ctx context.Context, cfg *config.Config, sections []string) {
	changed := func(s string) bool { return slices.Contains(sections, s) }

	for _, s := range []string{"storage", "task_engine"} {
		if changed(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(cfg))

	// Validation already ran, so mapper errors are not expected here.
	loc, err := mapLocation(cfg)
	if err != nil {
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
		loc = a.timers.Location()
	}
	a.timers.SetLocation(loc)

	if sc, err := mapScheduleConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler apply failed", logx.Err(err))
	}
	a.toggleScheduling(ctx, cfg.Scheduler.Enabled)

	if dc, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatch.Apply(dc)
	}
	a.images.Set(cfg.Dispatch.ImageBaseURL)

	if lc, err := mapLedgerConfig(cfg); err != nil {
		a.log.Warn("invalid ledger config; keeping previous", logx.Err(err))
	} else {
		a.ledger.Apply(lc)
	}
	a.flash.Apply(mapFlashConfig(cfg, loc))

	if changed("providers") || changed("environment") {
		if drv, err := mapProviderDriver(cfg); err == nil && drv.Name() != a.driver {
			a.log.Warn("providers.driver changed; restart required for changes to take effect",
				logx.String("running", a.driver), logx.String("configured", drv.Name()))
		} else {
			n := a.providers.Init(ctx, mapProviderConfig(cfg))
			a.log.Info("providers reinitialized", logx.Int("ready", n))
		}
	}

	if hc, err := mapHTTPConfig(cfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}
}

func (a *App) toggleScheduling(ctx context.Context, enabled bool) {
	running := a.schedEnabled.Load()
	switch {
	case running && !enabled:
		a.log.Info("scheduler disabled via config")
		a.timers.Stop(ctx)
		a.schedEnabled.Store(false)
	case !running && enabled:
		a.log.Info("scheduler enabled via config")
		if err := a.startScheduling(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
			return
		}
		a.schedEnabled.Store(true)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			if limit > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Inbound first, then triggers, then the workers finishing their batches.
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 1*time.Second, func(c context.Context) error { a.timers.Stop(c); return nil })
	step("taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })

	// Supervised loops last so the audit sink sees every event the engine emitted.
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// imageBase resolves image references against a base URL that can change on
// reload.
type imageBase struct {
	base atomic.Pointer[string]
}

func newImageBase(base string) *imageBase {
	b := &imageBase{}
	b.Set(base)
	return b
}

func (b *imageBase) Set(base string) {
	base = strings.TrimSpace(base)
	b.base.Store(&base)
}

func (b *imageBase) PublicURL(ref string) string {
	return dispatch.BaseURLImages{Base: *b.base.Load()}.PublicURL(ref)
}
