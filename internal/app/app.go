// Package app wires the daemon: config, logging, storage, the publishing
// pipeline, event sinks and the ops server, plus config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pubflow/internal/config"
	"pubflow/internal/eventbus"
	kafkasink "pubflow/internal/events/kafka"
	"pubflow/internal/metrics"
	"pubflow/internal/notifier"
	"pubflow/internal/ops"
	"pubflow/internal/pipeline"
	"pubflow/internal/publisher"
	"pubflow/internal/runtime/supervisor"
	"pubflow/internal/storage"
	"pubflow/internal/transport"
	"pubflow/internal/transport/telegram"
	logx "pubflow/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	pipe  *pipeline.Service

	reg     *prometheus.Registry
	metrics *metrics.Metrics
	notif   *notifier.Service
	// hasSender is false when alerts were off at boot; enabling them then
	// needs a restart.
	hasSender bool
	kafka     *kafkasink.Sink
	ops       *ops.Server

	sup *supervisor.Supervisor
}

// New loads the config file and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return Build(cfgm, cfg)
}

// Build wires an App around an already loaded config.
func Build(cfgm *config.ConfigManager, cfg *config.Config) (_ *App, err error) {
	logs, log := logx.New(logConfig(cfg.Logging))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logs, bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.store, err = OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = SeedRegistry(seedCtx, a.store, cfg.Registry)
	cancel()
	if err != nil {
		return nil, err
	}

	router, err := publisher.FromConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	pcfg, err := pipeline.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.pipe = pipeline.New(pcfg, a.store, router,
		pipeline.WithLogger(log.With(logx.String("comp", "pipeline"))),
		pipeline.WithEventBus(a.bus),
	)

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.reg)
	if err := metrics.RegisterStats(a.reg, a.pipe.Stats, 0); err != nil {
		return nil, err
	}

	ncfg, err := notifier.ConfigFrom(cfg.Notifier)
	if err != nil {
		return nil, err
	}
	var sender transport.Sender
	if ncfg.Enabled {
		tg, err := telegram.New(telegram.Config{Token: cfg.Notifier.TelegramToken}, log)
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		sender = tg
	}
	a.hasSender = sender != nil
	a.notif = notifier.New(ncfg, sender, log)

	if k := cfg.Kafka; k != nil && k.Enabled {
		a.kafka, err = kafkasink.New(*k, log)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Ops.Enabled {
		a.ops = ops.New(ops.Config{Addr: cfg.Ops.AddrOrDefault(), Pprof: cfg.Ops.Pprof, Gatherer: a.reg}, a.pipe, log)
	}
	return a, nil
}

func (a *App) Pipeline() *pipeline.Service { return a.pipe }
func (a *App) Store() storage.Store        { return a.store }
func (a *App) Bus() eventbus.Bus           { return a.bus }

// OpsAddr is the bound ops address, empty when the server is off.
func (a *App) OpsAddr() string {
	if a.ops == nil {
		return ""
	}
	return a.ops.Addr()
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.sup.GoRestart("metrics.events", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.notif.Start(runCtx)
	a.sup.GoRestart("notifier.events", func(c context.Context) error { return a.notif.Run(c, a.bus) })
	if a.kafka != nil {
		a.sup.GoRestart("kafka.events", func(c context.Context) error { return a.kafka.Run(c, a.bus) })
	}
	a.sup.GoRestart("eventbus.log", a.logEvents)

	if err := a.pipe.Start(runCtx); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	if a.ops != nil {
		if err := a.ops.Start(); err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	if a.cfgm.Path() != "" {
		a.sup.GoRestart("config.watch", a.cfgm.Watch)
	}
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	a.log.Info("app started", logx.String("ops_addr", a.OpsAddr()), logx.Bool("kafka", a.kafka != nil), logx.Bool("alerts", a.notif.Enabled()))
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.String("post_id", e.PostID), logx.Int("attempt", e.Attempt))
		}
	}
}

// Stop drains the pipeline, then stops sinks and closes storage. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping")
	var errs []error

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	if a.ops != nil {
		step("ops", 2*time.Second, a.ops.Stop)
	}
	// No fixed bound: the pipeline applies its own shutdown timeout.
	step("pipeline", 0, a.pipe.Stop)
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 3*time.Second, a.sup.Stop)

	a.log.Info("stopped")
	a.closeResources()
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && !errors.Is(err, storage.ErrDisabled) {
			a.log.Warn("close storage", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// restartSections cannot change on a running daemon.
var restartSections = []string{"storage", "publisher", "ops", "kafka", "registry"}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the latest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, no effective changes")
		return
	}
	for _, s := range sections {
		for _, r := range restartSections {
			if s == r {
				a.log.Warn("config section changed; restart required", logx.String("section", s))
			}
		}
	}

	a.logs.Apply(logConfig(next.Logging))

	if pcfg, err := pipeline.FromConfig(next); err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
	} else {
		a.pipe.Apply(pcfg)
	}

	if ncfg, err := notifier.ConfigFrom(next.Notifier); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled && !a.hasSender:
			a.log.Warn("alerts enabled after boot; restart required", logx.String("section", "notifier"))
		case !wasEnabled && ncfg.Enabled:
			a.notif.Start(a.sup.Context())
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
