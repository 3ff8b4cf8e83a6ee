package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"autopanel/internal/eventbus"
	"autopanel/internal/task/cronspec"
	"autopanel/internal/task/engine"
	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
)

// Registry maps entity keys to live cron entries. All mutations and every
// firing go through mu, so Register, Unregister and Shutdown are safe to call
// concurrently with timers.
type Registry struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	bus eventbus.Bus

	engine Enqueuer
	run    Runner

	c       *cron.Cron
	started bool
	closed  bool
	entries map[model.EntityKey]*entry
	gen     uint64

	// Enqueue warning throttling, one limiter per entity.
	warnMu sync.Mutex
	warn   map[model.EntityKey]*rate.Limiter

	now func() time.Time
}

func New(cfg Config, eng Enqueuer, run Runner, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		engine:  eng,
		run:     run,
		c:       cron.New(cron.WithParser(cronspec.Parser()), cron.WithLocation(time.UTC)),
		entries: make(map[model.EntityKey]*entry),
		warn:    make(map[model.EntityKey]*rate.Limiter),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Enabled
}

// Start begins firing armed timers. Entries registered before Start are
// armed when it runs.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	r.c.Start()
	r.log.Info("scheduler started", logx.Bool("enabled", r.cfg.Enabled), logx.Int("schedules", len(r.entries)))
}

// Load arms every enabled task and group from src. An entity that fails to
// register is logged and skipped. Only a listing failure is returned.
func (r *Registry) Load(ctx context.Context, src Source) (int, error) {
	tasks, err := src.ListEnabledTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: load tasks: %w", err)
	}
	groups, err := src.ListEnabledGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: load groups: %w", err)
	}

	ents := make([]model.Schedulable, 0, len(tasks)+len(groups))
	for i := range tasks {
		ents = append(ents, &tasks[i])
	}
	for i := range groups {
		ents = append(ents, &groups[i])
	}

	loaded, failed := 0, 0
	for _, ent := range ents {
		if !ent.ScheduleEnabled() {
			continue
		}
		if err := r.Register(ent); err != nil {
			failed++
			r.log.Warn("schedule load skipped",
				logx.String("key", ent.ScheduleKey().String()),
				logx.String("name", ent.ScheduleName()),
				logx.String("schedule", ent.ScheduleExpr()),
				logx.Err(err))
			continue
		}
		loaded++
	}
	r.log.Info("schedules loaded", logx.Int("loaded", loaded), logx.Int("failed", failed))
	return loaded, nil
}

// Register arms ent, replacing any timer already held for its key. A
// disabled entity is unregistered instead. An invalid expression returns an
// error and leaves the registry unchanged.
func (r *Registry) Register(ent model.Schedulable) error {
	key := ent.ScheduleKey()
	if !ent.ScheduleEnabled() {
		r.Unregister(key)
		return nil
	}
	sched, err := cronspec.Parse(ent.ScheduleExpr())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.removeLocked(key)
	if !r.cfg.Enabled {
		r.log.Debug("scheduler disabled; schedule not armed", logx.String("key", key.String()))
		return nil
	}

	r.gen++
	e := &entry{key: key, name: ent.ScheduleName(), expr: ent.ScheduleExpr(), sched: sched, gen: r.gen}
	e.job = &fireJob{r: r, key: key, gen: e.gen}
	e.entryID = r.c.Schedule(sched, e.job)
	r.entries[key] = e

	r.log.Debug("schedule registered",
		logx.String("key", key.String()),
		logx.String("name", e.name),
		logx.String("schedule", e.expr),
		logx.String("next", cronspec.Preview(e.expr, r.now(), 3)))
	return nil
}

// Unregister disarms key. When it returns, no further firing for key will
// enqueue work; a firing already past the enqueue keeps running. It reports
// whether a timer was removed.
func (r *Registry) Unregister(key model.EntityKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.removeLocked(key)
	if ok {
		r.log.Debug("schedule unregistered", logx.String("key", key.String()))
	}
	return ok
}

func (r *Registry) removeLocked(key model.EntityKey) bool {
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	r.c.Remove(e.entryID)
	delete(r.entries, key)
	return true
}

// Registered reports whether key holds a live timer.
func (r *Registry) Registered(key model.EntityKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Trigger queues a run of key now, the same job a timer firing would
// enqueue. Unlike a timer it waits for queue room until ctx is done, then
// reports engine.ErrQueueFull. It fails with engine.ErrBusy when the entity
// is queued or running.
func (r *Registry) Trigger(ctx context.Context, key model.EntityKey, name string) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	err := r.engine.Submit(ctx, r.jobFor(key, name))
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", engine.ErrQueueFull, err)
	}
	return err
}

func (r *Registry) jobFor(key model.EntityKey, name string) engine.Job {
	run := r.run
	return engine.Job{
		Key:     key.String(),
		Name:    fmt.Sprintf("%s %s", key, name),
		Timeout: r.cfg.JobTimeout,
		Run:     func(ctx context.Context) error { return run(ctx, key) },
	}
}

// Shutdown disarms every timer and stops the cron loop. Work already handed
// to the engine is not canceled. Later Register calls return ErrClosed.
func (r *Registry) Shutdown(ctx context.Context) error {
	start := time.Now()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	n := len(r.entries)
	for key := range r.entries {
		r.removeLocked(key)
	}
	c := r.c
	r.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		r.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
	r.log.Info("scheduler stopped", logx.Int("disarmed", n), logx.Duration("took", time.Since(start)))
	return nil
}
