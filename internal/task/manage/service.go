// Package manage is the control plane over tasks and task groups. Every
// mutation that can change whether or when an entity fires goes through here,
// so the scheduler registry always matches stored state.
package manage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autopanel/internal/storage"
	"autopanel/internal/task/cronspec"
	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
)

// Registry is the part of the scheduler registry the control plane drives.
type Registry interface {
	Register(ent model.Schedulable) error
	Unregister(key model.EntityKey) bool
	Trigger(ctx context.Context, key model.EntityKey, name string) error
}

// runNowWait bounds how long a manual run waits for room in a full queue.
const runNowWait = 2 * time.Second

// Store is the persistence the control plane needs.
type Store interface {
	storage.TaskStore
	storage.GroupStore
	GetExecution(ctx context.Context, id int64) (*model.Execution, error)
	ListExecutions(ctx context.Context, groupID int64, limit int) ([]model.Execution, error)
}

type Service struct {
	store Store
	reg   Registry
	log   logx.Logger
}

func New(store Store, reg Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, reg: reg, log: log}
}

func validateTask(t *model.Task) error {
	t.Name = strings.TrimSpace(t.Name)
	t.Resource = strings.TrimSpace(t.Resource)
	t.Schedule = strings.TrimSpace(t.Schedule)
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", model.ErrInvalidTask)
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: unknown action kind %q", model.ErrInvalidTask, t.Kind)
	}
	return cronspec.Check(t.Schedule)
}

func validateGroup(g *model.TaskGroup) error {
	g.Name = strings.TrimSpace(g.Name)
	g.Schedule = strings.TrimSpace(g.Schedule)
	if g.Name == "" {
		return fmt.Errorf("%w: name is required", model.ErrInvalidGroup)
	}
	if g.FailureMode == "" {
		g.FailureMode = model.FailureStop
	}
	if !g.FailureMode.Valid() {
		return fmt.Errorf("%w: unknown failure mode %q", model.ErrInvalidGroup, g.FailureMode)
	}
	if g.Delay < 0 {
		return fmt.Errorf("%w: delay must not be negative", model.ErrInvalidGroup)
	}
	return cronspec.Check(g.Schedule)
}

// sync brings the registry in line with ent. Register unregisters a
// disabled entity, so one call covers both states.
func (s *Service) sync(ent model.Schedulable) error {
	if err := s.reg.Register(ent); err != nil {
		s.log.Error("schedule sync failed",
			logx.String("key", ent.ScheduleKey().String()),
			logx.String("schedule", ent.ScheduleExpr()),
			logx.Err(err))
		return fmt.Errorf("manage: arm %s: %w", ent.ScheduleKey(), err)
	}
	return nil
}

// ---- tasks ----

// CreateTask validates and stores t, then arms it when enabled. Nothing is
// stored when validation fails.
func (s *Service) CreateTask(ctx context.Context, t *model.Task) error {
	if err := validateTask(t); err != nil {
		return err
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return err
	}
	s.log.Info("task created", logx.Int64("task_id", t.ID), logx.String("task", t.Label()), logx.Bool("enabled", t.Enabled))
	return s.sync(t)
}

// UpdateTask rewrites the definition and re-registers, picking up any
// expression or enabled change. The returned task carries its last-run fields.
func (s *Service) UpdateTask(ctx context.Context, t *model.Task) (*model.Task, error) {
	if err := validateTask(t); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	cur, err := s.store.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("task updated", logx.Int64("task_id", cur.ID), logx.String("task", cur.Label()), logx.Bool("enabled", cur.Enabled))
	return cur, s.sync(cur)
}

func (s *Service) SetTaskEnabled(ctx context.Context, id int64, enabled bool) (*model.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Enabled = enabled
	return s.UpdateTask(ctx, t)
}

// DeleteTask disarms the task before removing it, so no firing can land on a
// row that no longer exists. Group memberships go with it.
func (s *Service) DeleteTask(ctx context.Context, id int64) error {
	s.reg.Unregister(model.TaskKey(id))
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.log.Info("task deleted", logx.Int64("task_id", id))
	return nil
}

func (s *Service) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context) ([]model.Task, error) {
	return s.store.ListTasks(ctx)
}

// RunTaskNow queues the task the way its timer would. It fails with
// engine.ErrBusy while the task is queued or running.
func (s *Service) RunTaskNow(ctx context.Context, id int64) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return s.trigger(ctx, t.ScheduleKey(), t.Name)
}

// ---- groups ----

func (s *Service) CreateGroup(ctx context.Context, g *model.TaskGroup) error {
	if err := validateGroup(g); err != nil {
		return err
	}
	if err := s.store.CreateGroup(ctx, g); err != nil {
		return err
	}
	s.log.Info("group created",
		logx.Int64("group_id", g.ID),
		logx.String("group", g.Name),
		logx.String("failure_mode", string(g.FailureMode)),
		logx.Duration("delay", g.Delay),
		logx.Bool("enabled", g.Enabled))
	return s.sync(g)
}

func (s *Service) UpdateGroup(ctx context.Context, g *model.TaskGroup) (*model.TaskGroup, error) {
	if err := validateGroup(g); err != nil {
		return nil, err
	}
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return nil, err
	}
	cur, err := s.store.GetGroup(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("group updated", logx.Int64("group_id", cur.ID), logx.String("group", cur.Name), logx.Bool("enabled", cur.Enabled))
	return cur, s.sync(cur)
}

func (s *Service) SetGroupEnabled(ctx context.Context, id int64, enabled bool) (*model.TaskGroup, error) {
	g, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	g.Enabled = enabled
	return s.UpdateGroup(ctx, g)
}

// DeleteGroup disarms the group, then removes it together with its
// membership and execution history.
func (s *Service) DeleteGroup(ctx context.Context, id int64) error {
	s.reg.Unregister(model.GroupKey(id))
	if err := s.store.DeleteGroup(ctx, id); err != nil {
		return err
	}
	s.log.Info("group deleted", logx.Int64("group_id", id))
	return nil
}

func (s *Service) GetGroup(ctx context.Context, id int64) (*model.GroupDetail, error) {
	return s.store.GetGroupDetail(ctx, id)
}

func (s *Service) ListGroups(ctx context.Context) ([]model.TaskGroup, error) {
	return s.store.ListGroups(ctx)
}

func (s *Service) RunGroupNow(ctx context.Context, id int64) error {
	g, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	return s.trigger(ctx, g.ScheduleKey(), g.Name)
}

func (s *Service) trigger(ctx context.Context, key model.EntityKey, name string) error {
	wctx, cancel := context.WithTimeout(ctx, runNowWait)
	defer cancel()
	return s.reg.Trigger(wctx, key, name)
}

// ---- membership ----
//
// Membership changes never touch the registry: a group's schedule does not
// depend on its members, and every run reads membership fresh.

// AddMember places taskID in the group at position. A position <= 0 appends
// after the current last member.
func (s *Service) AddMember(ctx context.Context, groupID, taskID int64, position int) (int, error) {
	if position <= 0 {
		d, err := s.store.GetGroupDetail(ctx, groupID)
		if err != nil {
			return 0, err
		}
		position = 1
		if n := len(d.Members); n > 0 {
			position = d.Members[n-1].Position + 1
		}
	}
	if err := s.store.AddMember(ctx, groupID, taskID, position); err != nil {
		return 0, err
	}
	s.log.Debug("group member added", logx.Int64("group_id", groupID), logx.Int64("task_id", taskID), logx.Int("position", position))
	return position, nil
}

func (s *Service) RemoveMember(ctx context.Context, groupID, taskID int64) error {
	return s.store.RemoveMember(ctx, groupID, taskID)
}

func (s *Service) ReorderMembers(ctx context.Context, groupID int64, taskIDs []int64) error {
	if err := s.store.ReorderMembers(ctx, groupID, taskIDs); err != nil {
		return err
	}
	s.log.Debug("group members reordered", logx.Int64("group_id", groupID), logx.Int("members", len(taskIDs)))
	return nil
}

// ---- history ----

// DefaultHistoryLimit bounds ListExecutions when the caller passes no limit.
const DefaultHistoryLimit = 20

func (s *Service) ListExecutions(ctx context.Context, groupID int64, limit int) ([]model.Execution, error) {
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.store.ListExecutions(ctx, groupID, limit)
}

func (s *Service) GetExecution(ctx context.Context, id int64) (*model.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// IsValidation reports whether err is a definition problem the caller can
// fix, as opposed to a storage or scheduling failure.
func IsValidation(err error) bool {
	return errors.Is(err, model.ErrInvalidSchedule) ||
		errors.Is(err, model.ErrInvalidTask) ||
		errors.Is(err, model.ErrInvalidGroup)
}
