package storage

import (
	"context"
	"errors"
	"strings"

	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
)

// TaskStore covers single tasks and their last-run fields.
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) error
	// UpdateTask rewrites the definition; last-run fields are left alone.
	UpdateTask(ctx context.Context, t *model.Task) error
	// DeleteTask also removes the task from every group.
	DeleteTask(ctx context.Context, id int64) error
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	ListEnabledTasks(ctx context.Context) ([]model.Task, error)
	UpdateTaskRun(ctx context.Context, id int64, run model.RunSummary) error
}

// GroupStore covers task groups and their ordered membership.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *model.TaskGroup) error
	UpdateGroup(ctx context.Context, g *model.TaskGroup) error
	DeleteGroup(ctx context.Context, id int64) error
	GetGroup(ctx context.Context, id int64) (*model.TaskGroup, error)
	ListGroups(ctx context.Context) ([]model.TaskGroup, error)
	ListEnabledGroups(ctx context.Context) ([]model.TaskGroup, error)
	UpdateGroupRun(ctx context.Context, id int64, run model.RunSummary) error

	// GetGroupDetail returns the group with members in ascending position,
	// each carrying its task. It always reads current membership.
	GetGroupDetail(ctx context.Context, id int64) (*model.GroupDetail, error)
	AddMember(ctx context.Context, groupID, taskID int64, position int) error
	RemoveMember(ctx context.Context, groupID, taskID int64) error
	// ReorderMembers assigns positions 1..n in the order of taskIDs, which
	// must be exactly the current members.
	ReorderMembers(ctx context.Context, groupID int64, taskIDs []int64) error
}

// ExecutionStore covers group execution records.
type ExecutionStore interface {
	// CreateExecution stores e (normally StatusRunning) and sets e.ID.
	CreateExecution(ctx context.Context, e *model.Execution) error
	// FinalizeExecution writes the final state of a running record. A record
	// that is no longer running returns model.ErrExecutionFinalized.
	FinalizeExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id int64) (*model.Execution, error)
	// ListExecutions returns newest first; limit <= 0 means no limit.
	ListExecutions(ctx context.Context, groupID int64, limit int) ([]model.Execution, error)
	ListExecutionsByStatus(ctx context.Context, status model.RunStatus) ([]model.Execution, error)
}

// Store is the persistence API used by the scheduler core.
type Store interface {
	TaskStore
	GroupStore
	ExecutionStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
