package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"autopanel/internal/task/engine"
	"autopanel/internal/task/model"
)

var ErrClosed = errors.New("scheduler registry closed")

// Config controls timer arming.
type Config struct {
	// Enabled=false keeps every entity unarmed; manual triggers still work.
	Enabled bool
	// JobTimeout bounds each triggered run; 0 uses the engine default.
	JobTimeout time.Duration
}

// Runner executes the entity behind a fired timer.
type Runner func(ctx context.Context, key model.EntityKey) error

// Enqueuer is the part of the task engine the registry depends on.
type Enqueuer interface {
	Enqueue(j engine.Job) error
	Submit(ctx context.Context, j engine.Job) error
}

// Source lists the entities Load arms at startup.
type Source interface {
	ListEnabledTasks(ctx context.Context) ([]model.Task, error)
	ListEnabledGroups(ctx context.Context) ([]model.TaskGroup, error)
}

type entry struct {
	key     model.EntityKey
	name    string
	expr    string
	sched   cron.Schedule
	entryID cron.EntryID
	gen     uint64
	job     *fireJob
}

// EntryInfo is a diagnostic view of one armed timer. Times are UTC.
type EntryInfo struct {
	Key  model.EntityKey
	Name string
	Expr string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Enabled bool
	Closed  bool
	Entries []EntryInfo
}
