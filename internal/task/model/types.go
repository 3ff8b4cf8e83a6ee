// Package model defines the schedulable entities (tasks and task groups) and
// the execution records they produce.
package model

import (
	"fmt"
	"strings"
	"time"
)

// ActionKind selects which effect a task runs. The set is closed.
type ActionKind string

const (
	ActionBackup  ActionKind = "backup"
	ActionRestart ActionKind = "restart"
	ActionStart   ActionKind = "start"
	ActionStop    ActionKind = "stop"
	ActionCommand ActionKind = "command"
)

// Valid reports whether k is one of the known action kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionBackup, ActionRestart, ActionStart, ActionStop, ActionCommand:
		return true
	default:
		return false
	}
}

// RunStatus is the outcome stored in last-run fields and execution records.
// The empty value means "never run".
type RunStatus string

const (
	StatusUnset   RunStatus = ""
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusPartial RunStatus = "partial"
	StatusSkipped RunStatus = "skipped"
)

// FailureMode controls what a group does after a member fails.
type FailureMode string

const (
	// FailureStop skips every member after the first failure.
	FailureStop FailureMode = "stop"
	// FailureContinue runs every member regardless of earlier failures.
	FailureContinue FailureMode = "continue"
)

func (m FailureMode) Valid() bool { return m == FailureStop || m == FailureContinue }

// EntityKind distinguishes the two schedulable entity types.
type EntityKind string

const (
	KindTask  EntityKind = "task"
	KindGroup EntityKind = "group"
)

// EntityKey identifies a schedulable entity across kinds. Task 3 and group 3
// are different keys.
type EntityKey struct {
	Kind EntityKind
	ID   int64
}

func TaskKey(id int64) EntityKey  { return EntityKey{Kind: KindTask, ID: id} }
func GroupKey(id int64) EntityKey { return EntityKey{Kind: KindGroup, ID: id} }

func (k EntityKey) String() string { return fmt.Sprintf("%s:%d", k.Kind, k.ID) }

// ParseEntityKey parses "task:12" or "group:3".
func ParseEntityKey(s string) (EntityKey, error) {
	kind, rawID, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return EntityKey{}, fmt.Errorf("invalid entity key %q", s)
	}
	var id int64
	if _, err := fmt.Sscan(rawID, &id); err != nil || id <= 0 {
		return EntityKey{}, fmt.Errorf("invalid entity id in %q", s)
	}
	switch EntityKind(kind) {
	case KindTask, KindGroup:
		return EntityKey{Kind: EntityKind(kind), ID: id}, nil
	default:
		return EntityKey{}, fmt.Errorf("invalid entity kind in %q", s)
	}
}

// Schedulable is what the scheduler registry needs from an entity.
type Schedulable interface {
	ScheduleKey() EntityKey
	ScheduleName() string
	ScheduleExpr() string
	ScheduleEnabled() bool
}

// Task is a single schedulable action against a managed resource.
type Task struct {
	ID int64
	// Resource is the owning managed resource (a systemd unit or server name).
	Resource string
	Name     string
	Kind     ActionKind
	// Payload is opaque to the scheduler; the action executor interprets it.
	Payload  string
	Schedule string
	Enabled  bool

	LastRunAt  *time.Time
	LastStatus RunStatus
	LastError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Task) ScheduleKey() EntityKey { return TaskKey(t.ID) }
func (t *Task) ScheduleName() string   { return t.Name }
func (t *Task) ScheduleExpr() string   { return t.Schedule }
func (t *Task) ScheduleEnabled() bool  { return t.Enabled }

// Label is a short human-readable identifier used in logs and summaries.
func (t *Task) Label() string {
	if t.Resource == "" {
		return t.Name
	}
	return t.Resource + "/" + t.Name
}

// TaskGroup is an ordered pipeline of tasks sharing one schedule.
type TaskGroup struct {
	ID          int64
	Name        string
	Description string
	Schedule    string
	Enabled     bool
	FailureMode FailureMode
	// Delay is applied between consecutive members, never after the last one.
	Delay time.Duration

	LastRunAt  *time.Time
	LastStatus RunStatus
	LastError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (g *TaskGroup) ScheduleKey() EntityKey { return GroupKey(g.ID) }
func (g *TaskGroup) ScheduleName() string   { return g.Name }
func (g *TaskGroup) ScheduleExpr() string   { return g.Schedule }
func (g *TaskGroup) ScheduleEnabled() bool  { return g.Enabled }

// Member joins a task to a group at an explicit sort position. Positions need
// not be contiguous but are unique within a group.
type Member struct {
	GroupID  int64
	TaskID   int64
	Position int
	// Task is populated when the membership is read together with its task.
	Task *Task
}

// GroupDetail is a group together with its membership in ascending position.
type GroupDetail struct {
	Group   TaskGroup
	Members []Member
}

// MemberResult is the outcome of one member within a group run.
type MemberResult struct {
	TaskID     int64     `json:"task_id"`
	TaskName   string    `json:"task_name"`
	Resource   string    `json:"resource,omitempty"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Execution is the durable record of one group run. It is created in
// StatusRunning and finalized exactly once.
type Execution struct {
	ID          int64
	GroupID     int64
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      RunStatus

	TasksTotal     int
	TasksCompleted int
	TasksFailed    int
	TasksSkipped   int

	Results []MemberResult
	Error   string
}

// Duration returns the run time, or zero while still running.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}
