package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"autopanel/internal/eventbus"
	"autopanel/internal/task/engine"
	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// FiredEvent is published on eventbus.ScheduleFired.
type FiredEvent struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// fireJob is the cron.Job behind one registration. gen ties it to that
// registration: once the entry is replaced or removed the job is inert even
// if cron already dispatched it.
type fireJob struct {
	r   *Registry
	key model.EntityKey
	gen uint64
}

func (j *fireJob) Run() {
	r := j.r
	r.mu.Lock()
	e, ok := r.entries[j.key]
	if !ok || e.gen != j.gen || r.closed {
		r.mu.Unlock()
		return
	}
	name := e.name
	// Enqueue never blocks, so holding mu here is what makes Unregister a
	// hard stop for this entry.
	err := r.engine.Enqueue(r.jobFor(j.key, name))
	r.mu.Unlock()

	ev := FiredEvent{Key: j.key.String(), Name: name}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Publish(r.bus, eventbus.ScheduleFired, ev)
	r.reportEnqueueError(j.key, name, err)
}

func (r *Registry) reportEnqueueError(key model.EntityKey, name string, err error) {
	if err == nil {
		return
	}
	// A run still in flight when the next tick arrives is normal.
	if errors.Is(err, engine.ErrBusy) {
		r.log.Debug("schedule trigger skipped: previous run in flight", logx.String("key", key.String()), logx.String("name", name))
		return
	}

	r.warnMu.Lock()
	lim := r.warn[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(enqueueWarnThrottle), 1)
		r.warn[key] = lim
	}
	r.warnMu.Unlock()
	if !lim.Allow() {
		return
	}
	// Queue full / stopping are important but can be bursty.
	r.log.Warn("schedule failed to enqueue run", logx.String("key", key.String()), logx.String("name", name), logx.Err(err))
}
