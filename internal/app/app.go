// Package app wires configuration, storage, the task engine, the scheduler
// registry and the optional transports into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"autopanel/internal/actions"
	"autopanel/internal/config"
	"autopanel/internal/eventbus"
	"autopanel/internal/eventbus/natsrelay"
	rtsup "autopanel/internal/runtime/supervisor"
	"autopanel/internal/storage"
	"autopanel/internal/task/engine"
	"autopanel/internal/task/history"
	"autopanel/internal/task/manage"
	"autopanel/internal/task/orchestrator"
	"autopanel/internal/task/scheduler"
	"autopanel/internal/transport/telegram"
	logx "autopanel/pkg/logx"
	"autopanel/pkg/systemdmanager"
)

const systemdConnectTimeout = 5 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store storage.Store
	units *systemdmanager.ServiceManager
	eng   *engine.Service
	rec   *history.Recorder
	orch  *orchestrator.Orchestrator
	reg   *scheduler.Registry
	panel *manage.Service

	bot   *telegram.Bot
	relay *natsrelay.Relay

	startedAt time.Time
}

// NewApp loads the config at cfgPath and builds every component. Nothing
// fires until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	if err := a.build(cfg, log); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	actCfg, err := mapActionsConfig(cfg)
	if err != nil {
		return err
	}
	// A nil *ServiceManager must not become a non-nil interface.
	var units actions.UnitController
	if cfg.Actions.Systemd {
		ctx, cancel := context.WithTimeout(context.Background(), systemdConnectTimeout)
		sm, err := systemdmanager.NewServiceManagerContext(ctx)
		cancel()
		if err != nil {
			a.log.Warn("systemd unavailable; unit actions will fail", logx.Err(err))
		} else {
			a.units = sm
			units = sm
		}
	}
	exec := actions.New(actCfg, units, log.With(logx.String("comp", "actions")))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.eng = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.rec = history.New(store, log.With(logx.String("comp", "history")), a.bus)
	a.orch = orchestrator.New(store, exec, a.rec, log.With(logx.String("comp", "orchestrator")), a.bus)
	a.reg = scheduler.New(scheduler.Config{Enabled: cfg.Scheduler.IsEnabled()},
		a.eng, a.orch.RunEntity, log.With(logx.String("comp", "scheduler")), a.bus)
	a.panel = manage.New(store, a.reg, log.With(logx.String("comp", "manage")))

	if cfg.Telegram.Enabled {
		poll, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
		if err != nil {
			return err
		}
		bot, err := telegram.New(telegram.Config{
			Token:        cfg.Telegram.Token,
			PollTimeout:  poll,
			Owners:       cfg.Telegram.OwnerUserIDs,
			NoticeChatID: cfg.GroupLogChatID(),
			NoticeThread: cfg.Logging.Telegram.ThreadID,
		}, a.panel, a.Status, a.bus, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.bot = bot
	}
	return nil
}

// Panel is the control plane for tasks, groups and their history.
func (a *App) Panel() *manage.Service { return a.panel }

// Status is the operator view of the scheduler and the worker pool.
func (a *App) Status() telegram.Status {
	return telegram.Status{
		Scheduler: a.reg.Snapshot(),
		Engine:    a.eng.Snapshot(),
		StartedAt: a.startedAt,
	}
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

// Start finalizes stale runs, arms stored schedules and starts the engine and
// transports.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *Config) error {
		if _, err := mapStorageConfig(c); err != nil {
			return err
		}
		if _, err := mapTaskEngineConfig(c); err != nil {
			return err
		}
		_, err := mapActionsConfig(c)
		return err
	})

	// Runs left "running" by a previous process would otherwise stay that
	// way forever. This must happen before any schedule can fire.
	if cfg.Scheduler.ReconcileEnabled() {
		if n, err := a.rec.Reconcile(ctx); err != nil {
			a.log.Error("reconcile stale runs failed", logx.Int("reconciled", n), logx.Err(err))
		}
	}

	a.eng.Start(a.sup.Context())
	n, err := a.reg.Load(ctx, a.store)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	a.reg.Start()
	a.startedAt = time.Now().UTC()
	a.log.Info("schedules loaded", logx.Int("armed", n), logx.Bool("scheduler_enabled", a.reg.Enabled()))

	if a.bot != nil {
		if err := a.bot.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.logs.SetSender(a.bot)
	}

	if cfg.NATS.Enabled {
		relay, err := natsrelay.Connect(natsrelay.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		}, a.log.With(logx.String("comp", "natsrelay")))
		if err != nil {
			// The relay is an observer; the scheduler runs without it.
			a.log.Warn("nats relay disabled", logx.Err(err))
		} else {
			a.relay = relay
			events, unsubscribe := a.bus.Subscribe(256)
			a.sup.Go0("nats.relay", func(c context.Context) {
				defer unsubscribe()
				_ = relay.Run(c, events)
			})
		}
	}

	// Keep this debug-level to avoid noise for frequent schedules.
	events, unsubscribe := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubscribe()
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
		a.reloadLoop(c, sub, cfg)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// reloadLoop applies logging changes live. Every other section is logged as
// needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *Config, last *Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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

			ch := config.SummarizeConfigChange(last, newCfg)
			last = newCfg
			if ch.Empty() {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			if slices.Contains(ch.Sections, "logging") {
				a.logs.Apply(mapLoggingConfig(newCfg))
			}
			if len(ch.RestartRequired) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(ch.RestartRequired, ",")))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
			a.log.Info("config applied", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	if a.bot != nil {
		a.logs.SetSender(nil)
		a.step(ctx, "telegram", 3*time.Second, a.bot.Stop)
	}
	// Disarm before draining so nothing new reaches the engine.
	errs = append(errs, a.step(ctx, "scheduler", 2*time.Second, a.reg.Shutdown))
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.eng.Stop(c); return nil })
	if a.relay != nil {
		a.step(ctx, "natsrelay", 2*time.Second, func(context.Context) error { return a.relay.Close() })
	}
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.closeResources()
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
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
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return nil
	}
}

// closeResources releases what build opened. The log service goes last so
// earlier steps can still log.
func (a *App) closeResources() {
	if a.units != nil {
		if err := a.units.Close(); err != nil {
			a.log.Warn("systemd close failed", logx.Err(err))
		}
		a.units = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}
