package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"autopanel/internal/task/model"
)

// Memory is a Store backed by process-local maps. Every value crossing the
// API is copied, so callers never share state with the store.
type Memory struct {
	mu     sync.RWMutex
	closed bool

	seq        int64
	tasks      map[int64]*model.Task
	groups     map[int64]*model.TaskGroup
	members    map[int64][]model.Member // by group, unsorted
	executions map[int64]*model.Execution

	now func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tasks:      make(map[int64]*model.Task),
		groups:     make(map[int64]*model.TaskGroup),
		members:    make(map[int64][]model.Member),
		executions: make(map[int64]*model.Execution),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *Memory) rlock() error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

// Tasks

func (m *Memory) CreateTask(_ context.Context, t *model.Task) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	now := m.now()
	t.ID = m.nextID()
	t.CreatedAt, t.UpdatedAt = now, now
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *Memory) UpdateTask(_ context.Context, t *model.Task) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %d: %w", t.ID, model.ErrNotFound)
	}
	cur.Resource, cur.Name, cur.Kind = t.Resource, t.Name, t.Kind
	cur.Payload, cur.Schedule, cur.Enabled = t.Payload, t.Schedule, t.Enabled
	cur.UpdatedAt = m.now()
	*t = *copyTask(cur)
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, id int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %d: %w", id, model.ErrNotFound)
	}
	delete(m.tasks, id)
	for gid, ms := range m.members {
		m.members[gid] = slices.DeleteFunc(ms, func(mb model.Member) bool { return mb.TaskID == id })
	}
	return nil
}

func (m *Memory) GetTask(_ context.Context, id int64) (*model.Task, error) {
	if err := m.rlock(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, model.ErrNotFound)
	}
	return copyTask(t), nil
}

func (m *Memory) ListTasks(_ context.Context) ([]model.Task, error) {
	return m.listTasks(false)
}

func (m *Memory) ListEnabledTasks(_ context.Context) ([]model.Task, error) {
	return m.listTasks(true)
}

func (m *Memory) listTasks(enabledOnly bool) ([]model.Task, error) {
	if err := m.rlock(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	out := make([]model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if enabledOnly && !t.Enabled {
			continue
		}
		out = append(out, *copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateTaskRun(_ context.Context, id int64, run model.RunSummary) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, model.ErrNotFound)
	}
	at := run.At
	t.LastRunAt, t.LastStatus, t.LastError = &at, run.Status, run.Error
	return nil
}

// Groups

func (m *Memory) CreateGroup(_ context.Context, g *model.TaskGroup) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	now := m.now()
	g.ID = m.nextID()
	g.CreatedAt, g.UpdatedAt = now, now
	m.groups[g.ID] = copyGroup(g)
	return nil
}

func (m *Memory) UpdateGroup(_ context.Context, g *model.TaskGroup) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	cur, ok := m.groups[g.ID]
	if !ok {
		return fmt.Errorf("group %d: %w", g.ID, model.ErrNotFound)
	}
	cur.Name, cur.Description, cur.Schedule = g.Name, g.Description, g.Schedule
	cur.Enabled, cur.FailureMode, cur.Delay = g.Enabled, g.FailureMode, g.Delay
	cur.UpdatedAt = m.now()
	*g = *copyGroup(cur)
	return nil
}

func (m *Memory) DeleteGroup(_ context.Context, id int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return fmt.Errorf("group %d: %w", id, model.ErrNotFound)
	}
	delete(m.groups, id)
	delete(m.members, id)
	for eid, e := range m.executions {
		if e.GroupID == id {
			delete(m.executions, eid)
		}
	}
	return nil
}

func (m *Memory) GetGroup(_ context.Context, id int64) (*model.TaskGroup, error) {
	if err := m.rlock(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", id, model.ErrNotFound)
	}
	return copyGroup(g), nil
}

func (m *Memory) ListGroups(_ context.Context) ([]model.TaskGroup, error) {
	return m.listGroups(false)
}

func (m *Memory) ListEnabledGroups(_ context.Context) ([]model.TaskGroup, error) {
	return m.listGroups(true)
}

func (m *Memory) listGroups(enabledOnly bool) ([]model.TaskGroup, error) {
	if err := m.rlock(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	out := make([]model.TaskGroup, 0, len(m.groups))
	for _, g := range m.groups {
		if enabledOnly && !g.Enabled {
			continue
		}
		out = append(out, *copyGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateGroupRun(_ context.Context, id int64, run model.RunSummary) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("group %d: %w", id, model.ErrNotFound)
	}
	at := run.At
	g.LastRunAt, g.LastStatus, g.LastError = &at, run.Status, run.Error
	return nil
}

func (m *Memory) GetGroupDetail(_ context.Context, id int64) (*model.GroupDetail, error) {
	if err := m.rlock(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", id, model.ErrNotFound)
	}
	d := &model.GroupDetail{Group: *copyGroup(g)}
	for _, mb := range m.members[id] {
		t, ok := m.tasks[mb.TaskID]
		if !ok {
			continue
		}
		mb.Task = copyTask(t)
		d.Members = append(d.Members, mb)
	}
	sort.Slice(d.Members, func(i, j int) bool { return d.Members[i].Position < d.Members[j].Position })
	return d, nil
}

func (m *Memory) AddMember(_ context.Context, groupID, taskID int64, position int) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return fmt.Errorf("group %d: %w", groupID, model.ErrNotFound)
	}
	if _, ok := m.tasks[taskID]; !ok {
		return fmt.Errorf("task %d: %w", taskID, model.ErrNotFound)
	}
	for _, mb := range m.members[groupID] {
		if mb.TaskID == taskID {
			return fmt.Errorf("task %d in group %d: %w", taskID, groupID, model.ErrDuplicateMember)
		}
		if mb.Position == position {
			return fmt.Errorf("position %d in group %d: %w", position, groupID, model.ErrDuplicateMember)
		}
	}
	m.members[groupID] = append(m.members[groupID], model.Member{GroupID: groupID, TaskID: taskID, Position: position})
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, groupID, taskID int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	ms := m.members[groupID]
	i := slices.IndexFunc(ms, func(mb model.Member) bool { return mb.TaskID == taskID })
	if i < 0 {
		return fmt.Errorf("task %d in group %d: %w", taskID, groupID, model.ErrNotFound)
	}
	m.members[groupID] = slices.Delete(ms, i, i+1)
	return nil
}

func (m *Memory) ReorderMembers(_ context.Context, groupID int64, taskIDs []int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return fmt.Errorf("group %d: %w", groupID, model.ErrNotFound)
	}
	cur := make([]int64, 0, len(m.members[groupID]))
	for _, mb := range m.members[groupID] {
		cur = append(cur, mb.TaskID)
	}
	if err := checkPermutation(groupID, cur, taskIDs); err != nil {
		return err
	}
	next := make([]model.Member, len(taskIDs))
	for i, id := range taskIDs {
		next[i] = model.Member{GroupID: groupID, TaskID: id, Position: i + 1}
	}
	m.members[groupID] = next
	return nil
}

// Executions

func (m *Memory) CreateExecution(_ context.Context, e *model.Execution) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.groups[e.GroupID]; !ok {
		return fmt.Errorf("group %d: %w", e.GroupID, model.ErrNotFound)
	}
	e.ID = m.nextID()
	m.executions[e.ID] = copyExecution(e)
	return nil
}

func (m *Memory) FinalizeExecution(_ context.Context, e *model.Execution) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	cur, ok := m.executions[e.ID]
	if !ok {
		return fmt.Errorf("execution %d: %w", e.ID, model.ErrNotFound)
	}
	if cur.Status != model.StatusRunning {
		return fmt.Errorf("execution %d: %w", e.ID, model.ErrExecutionFinalized)
	}
	next := copyExecution(e)
	next.GroupID, next.StartedAt = cur.GroupID, cur.StartedAt
	m.executions[e.ID] = next
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id int64) (*model.Execution, error) {
	if err := m.rlock(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %d: %w", id, model.ErrNotFound)
	}
	return copyExecution(e), nil
}

func (m *Memory) ListExecutions(_ context.Context, groupID int64, limit int) ([]model.Execution, error) {
	return m.listExecutions(func(e *model.Execution) bool { return e.GroupID == groupID }, limit)
}

func (m *Memory) ListExecutionsByStatus(_ context.Context, status model.RunStatus) ([]model.Execution, error) {
	return m.listExecutions(func(e *model.Execution) bool { return e.Status == status }, 0)
}

func (m *Memory) listExecutions(match func(*model.Execution) bool, limit int) ([]model.Execution, error) {
	if err := m.rlock(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	var out []model.Execution
	for _, e := range m.executions {
		if match(e) {
			out = append(out, *copyExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func checkPermutation(groupID int64, current, proposed []int64) error {
	a := slices.Clone(current)
	b := slices.Clone(proposed)
	slices.Sort(a)
	slices.Sort(b)
	if !slices.Equal(a, b) {
		return fmt.Errorf("reorder group %d: task ids must match current members: %w", groupID, model.ErrInvalidGroup)
	}
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyTask(t *model.Task) *model.Task {
	c := *t
	c.LastRunAt = copyTime(t.LastRunAt)
	return &c
}

func copyGroup(g *model.TaskGroup) *model.TaskGroup {
	c := *g
	c.LastRunAt = copyTime(g.LastRunAt)
	return &c
}

func copyExecution(e *model.Execution) *model.Execution {
	c := *e
	c.CompletedAt = copyTime(e.CompletedAt)
	c.Results = slices.Clone(e.Results)
	return &c
}
