// Package history writes group execution records and mirrors their outcome
// into the owning group's last-run fields.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autopanel/internal/eventbus"
	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
)

// Store is the slice of storage.Store the recorder writes through.
type Store interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	FinalizeExecution(ctx context.Context, e *model.Execution) error
	ListExecutionsByStatus(ctx context.Context, status model.RunStatus) ([]model.Execution, error)
	UpdateGroupRun(ctx context.Context, id int64, run model.RunSummary) error
}

// ReconciledEvent is published on eventbus.ExecutionsReconciled.
type ReconciledEvent struct {
	Count        int     `json:"count"`
	ExecutionIDs []int64 `json:"execution_ids"`
}

type Recorder struct {
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

func New(store Store, log logx.Logger, bus eventbus.Bus) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store: store,
		log:   log,
		bus:   bus,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Begin persists a running record for a group run of total members.
func (r *Recorder) Begin(ctx context.Context, groupID int64, total int) (*model.Execution, error) {
	e := &model.Execution{
		GroupID:    groupID,
		StartedAt:  r.now(),
		Status:     model.StatusRunning,
		TasksTotal: total,
	}
	if err := r.store.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("history: begin group %d: %w", groupID, err)
	}
	return e, nil
}

// Finalize writes the final state of e and then mirrors e.Summary() into
// the group's last-run fields. Callers set Status, counts, Results and Error
// beforehand; CompletedAt defaults to now. Both writes are attempted and
// their errors joined.
func (r *Recorder) Finalize(ctx context.Context, e *model.Execution) error {
	if e.CompletedAt == nil {
		now := r.now()
		e.CompletedAt = &now
	}
	var errs []error
	if err := r.store.FinalizeExecution(ctx, e); err != nil {
		errs = append(errs, fmt.Errorf("history: finalize execution %d: %w", e.ID, err))
		// A record someone else finalized owns the group's last-run fields.
		if errors.Is(err, model.ErrExecutionFinalized) {
			return errors.Join(errs...)
		}
	}
	if err := r.store.UpdateGroupRun(ctx, e.GroupID, e.Summary()); err != nil {
		errs = append(errs, fmt.Errorf("history: update group %d last run: %w", e.GroupID, err))
	}
	return errors.Join(errs...)
}

// Reconcile finalizes every execution still marked running as failed with
// model.ReasonInterrupted. It is meant to run once at startup, before any
// schedule can fire, since a single instance owns all runs.
func (r *Recorder) Reconcile(ctx context.Context) (int, error) {
	stale, err := r.store.ListExecutionsByStatus(ctx, model.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("history: list running executions: %w", err)
	}
	var (
		ids  []int64
		errs []error
	)
	for i := range stale {
		e := &stale[i]
		e.Status = model.StatusFailed
		e.Error = model.ReasonInterrupted
		e.CompletedAt = nil
		if err := r.Finalize(ctx, e); err != nil {
			if errors.Is(err, model.ErrExecutionFinalized) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		ids = append(ids, e.ID)
	}
	if len(ids) > 0 {
		r.log.Warn("interrupted executions marked failed", logx.Int("count", len(ids)), logx.Any("execution_ids", ids))
		eventbus.Publish(r.bus, eventbus.ExecutionsReconciled, ReconciledEvent{Count: len(ids), ExecutionIDs: ids})
	}
	return len(ids), errors.Join(errs...)
}
