// Package orchestrator runs task groups member by member and single tasks,
// applying failure mode, inter-task delay and per-entity mutual exclusion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"autopanel/internal/eventbus"
	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
)

const defaultFinalizeTimeout = 30 * time.Second

// Executor runs one task's effect. A nil error is success.
type Executor interface {
	Execute(ctx context.Context, task *model.Task) error
}

// Store is what the orchestrator reads and writes outside execution records.
type Store interface {
	GetGroupDetail(ctx context.Context, id int64) (*model.GroupDetail, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	UpdateTaskRun(ctx context.Context, id int64, run model.RunSummary) error
}

// Recorder persists execution records.
type Recorder interface {
	Begin(ctx context.Context, groupID int64, total int) (*model.Execution, error)
	Finalize(ctx context.Context, e *model.Execution) error
}

type Orchestrator struct {
	store Store
	exec  Executor
	rec   Recorder
	log   logx.Logger
	bus   eventbus.Bus

	finalizeTimeout time.Duration

	mu       sync.Mutex
	inflight map[model.EntityKey]struct{}

	now func() time.Time
}

func New(store Store, exec Executor, rec Recorder, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		store:           store,
		exec:            exec,
		rec:             rec,
		log:             log,
		bus:             bus,
		finalizeTimeout: defaultFinalizeTimeout,
		inflight:        make(map[model.EntityKey]struct{}),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) acquire(key model.EntityKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[key]; busy {
		return false
	}
	o.inflight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key model.EntityKey) {
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
}

// Running reports whether key has an execution in progress.
func (o *Orchestrator) Running(key model.EntityKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.inflight[key]
	return busy
}

// RunEntity is the runner behind every scheduler job.
func (o *Orchestrator) RunEntity(ctx context.Context, key model.EntityKey) error {
	switch key.Kind {
	case model.KindGroup:
		_, err := o.ExecuteGroup(ctx, key.ID)
		return err
	case model.KindTask:
		_, err := o.ExecuteTask(ctx, key.ID)
		return err
	default:
		return fmt.Errorf("orchestrator: unknown entity kind %q", key.Kind)
	}
}

// GroupRunEvent is published on group.run.started and group.run.finished.
type GroupRunEvent struct {
	ExecutionID int64           `json:"execution_id"`
	GroupID     int64           `json:"group_id"`
	GroupName   string          `json:"group_name"`
	Status      model.RunStatus `json:"status"`
	Total       int             `json:"total"`
	Completed   int             `json:"completed"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration"`
}

// TaskRunEvent is published on task.run.finished for every executed task,
// standalone or as a group member.
type TaskRunEvent struct {
	TaskID      int64           `json:"task_id"`
	TaskName    string          `json:"task_name"`
	Resource    string          `json:"resource,omitempty"`
	GroupID     int64           `json:"group_id,omitempty"`
	ExecutionID int64           `json:"execution_id,omitempty"`
	Status      model.RunStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration"`
}

// ExecuteGroup runs one pass over the group's current membership and
// returns the finalized record.
//
// A missing group fails before any record exists, and so does a concurrent
// call for the same group (model.ErrAlreadyRunning). Member failures never
// surface as errors; they live in the record. The returned error is non-nil
// only when the record could not be created or finalized.
func (o *Orchestrator) ExecuteGroup(ctx context.Context, groupID int64) (*model.Execution, error) {
	key := model.GroupKey(groupID)
	if !o.acquire(key) {
		return nil, fmt.Errorf("group %d: %w", groupID, model.ErrAlreadyRunning)
	}
	defer o.release(key)

	detail, err := o.store.GetGroupDetail(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load group %d: %w", groupID, err)
	}
	g := detail.Group
	log := o.log.With(logx.Int64("group_id", g.ID), logx.String("group", g.Name))

	e, err := o.rec.Begin(ctx, g.ID, len(detail.Members))
	if err != nil {
		log.Error("group run not started: execution record failed", logx.Err(err))
		return nil, err
	}
	log = log.With(logx.Int64("execution_id", e.ID))
	log.Info("group run started", logx.Int("members", len(detail.Members)), logx.String("failure_mode", string(g.FailureMode)))
	eventbus.Publish(o.bus, eventbus.GroupRunStarted, GroupRunEvent{ExecutionID: e.ID, GroupID: g.ID, GroupName: g.Name, Status: model.StatusRunning, Total: e.TasksTotal})

	e.Results = make([]model.MemberResult, 0, len(detail.Members))
	failed := false
	for i, m := range detail.Members {
		t := m.Task
		res := model.MemberResult{TaskID: m.TaskID}
		if t != nil {
			res.TaskName, res.Resource = t.Name, t.Resource
		}

		switch {
		case t == nil || !t.Enabled:
			res.Status, res.Error = model.StatusSkipped, model.ReasonTaskDisabled
		case failed && g.FailureMode != model.FailureContinue:
			res.Status, res.Error = model.StatusSkipped, model.ReasonPreviousFailure
		default:
			res = o.runTask(ctx, t)
			if res.Status == model.StatusFailed {
				failed = true
			}
			o.mirrorTask(ctx, log, t, res)
			eventbus.Publish(o.bus, eventbus.TaskRunFinished, TaskRunEvent{
				TaskID: t.ID, TaskName: t.Name, Resource: t.Resource, GroupID: g.ID, ExecutionID: e.ID,
				Status: res.Status, Error: res.Error, Duration: res.FinishedAt.Sub(res.StartedAt),
			})
			// A failure in stop mode skips everything after it, so there is
			// nothing left to wait for.
			if i < len(detail.Members)-1 && g.Delay > 0 && !(failed && g.FailureMode != model.FailureContinue) {
				if err := sleep(ctx, g.Delay); err != nil {
					log.Debug("inter-task delay cut short", logx.Err(err))
				}
			}
		}
		log.Debug("group member done", logx.Int("position", m.Position), logx.String("task", res.TaskName), logx.String("status", string(res.Status)))
		e.Results = append(e.Results, res)
	}

	e.Tally()
	e.Error = e.ErrorSummary()
	now := o.now()
	e.CompletedAt = &now

	// The record must be finalized even if the caller gave up on the run.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.finalizeTimeout)
	defer cancel()
	ferr := o.rec.Finalize(fctx, e)
	if ferr != nil {
		log.Error("group run finalize failed", logx.Err(ferr))
	}

	fields := []logx.Field{
		logx.String("status", string(e.Status)),
		logx.Int("completed", e.TasksCompleted),
		logx.Int("failed", e.TasksFailed),
		logx.Int("skipped", e.TasksSkipped),
		logx.Duration("dur", e.Duration()),
	}
	if e.Status == model.StatusSuccess {
		log.Info("group run finished", fields...)
	} else {
		log.Warn("group run finished", append(fields, logx.String("error", e.Error))...)
	}
	eventbus.Publish(o.bus, eventbus.GroupRunFinished, GroupRunEvent{
		ExecutionID: e.ID, GroupID: g.ID, GroupName: g.Name, Status: e.Status,
		Total: e.TasksTotal, Completed: e.TasksCompleted, Failed: e.TasksFailed, Skipped: e.TasksSkipped,
		Error: e.Error, Duration: e.Duration(),
	})
	return e, ferr
}

// ExecuteTask runs a single task outside any group and records the outcome
// in its last-run fields. A disabled task is reported skipped and left
// untouched. The returned error covers loading, concurrency and persistence,
// never the action's own failure.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID int64) (*model.MemberResult, error) {
	key := model.TaskKey(taskID)
	if !o.acquire(key) {
		return nil, fmt.Errorf("task %d: %w", taskID, model.ErrAlreadyRunning)
	}
	defer o.release(key)

	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load task %d: %w", taskID, err)
	}
	log := o.log.With(logx.Int64("task_id", t.ID), logx.String("task", t.Label()))
	if !t.Enabled {
		log.Debug("task run skipped: disabled")
		return &model.MemberResult{TaskID: t.ID, TaskName: t.Name, Resource: t.Resource, Status: model.StatusSkipped, Error: model.ReasonTaskDisabled}, nil
	}

	res := o.runTask(ctx, t)
	eventbus.Publish(o.bus, eventbus.TaskRunFinished, TaskRunEvent{
		TaskID: t.ID, TaskName: t.Name, Resource: t.Resource,
		Status: res.Status, Error: res.Error, Duration: res.FinishedAt.Sub(res.StartedAt),
	})

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.finalizeTimeout)
	defer cancel()
	if err := o.store.UpdateTaskRun(uctx, t.ID, model.RunSummary{At: res.StartedAt, Status: res.Status, Error: res.Error}); err != nil {
		log.Error("task last-run update failed", logx.Err(err))
		return &res, fmt.Errorf("orchestrator: update task %d: %w", t.ID, err)
	}
	if res.Status == model.StatusFailed {
		log.Warn("task run failed", logx.String("error", res.Error), logx.Duration("dur", res.FinishedAt.Sub(res.StartedAt)))
	} else {
		log.Info("task run finished", logx.Duration("dur", res.FinishedAt.Sub(res.StartedAt)))
	}
	return &res, nil
}

// runTask invokes the executor, turning a panic into a failure.
func (o *Orchestrator) runTask(ctx context.Context, t *model.Task) (res model.MemberResult) {
	res = model.MemberResult{TaskID: t.ID, TaskName: t.Name, Resource: t.Resource, StartedAt: o.now()}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				o.log.Error("action panicked", logx.String("task", t.Label()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = o.exec.Execute(ctx, t)
	}()
	res.FinishedAt = o.now()
	if err != nil {
		res.Status = model.StatusFailed
		res.Error = strings.TrimSpace(err.Error())
		if res.Error == "" {
			res.Error = "failed"
		}
		return res
	}
	res.Status = model.StatusSuccess
	return res
}

// mirrorTask copies a member outcome into the member task's own last-run
// fields. Failure here does not change the group result.
func (o *Orchestrator) mirrorTask(ctx context.Context, log logx.Logger, t *model.Task, res model.MemberResult) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.finalizeTimeout)
	defer cancel()
	err := o.store.UpdateTaskRun(uctx, t.ID, model.RunSummary{At: res.StartedAt, Status: res.Status, Error: res.Error})
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		log.Warn("member task last-run update failed", logx.Int64("task_id", t.ID), logx.Err(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
