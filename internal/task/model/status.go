package model

import (
	"strings"
	"time"
)

const (
	ReasonTaskDisabled    = "task disabled"
	ReasonPreviousFailure = "skipped due to previous failure"
	ReasonInterrupted     = "interrupted: process stopped before the run completed"
)

// RunSummary is what gets mirrored into an entity's last-run fields.
type RunSummary struct {
	At     time.Time
	Status RunStatus
	Error  string
}

// FinalStatus derives a group run verdict from member counts.
//
// Any skip prevents success even when nothing failed. A run is failed only if
// nothing succeeded and at least one member failed, so an all-skipped run is
// partial and an empty group is success.
func FinalStatus(completed, failed, skipped int) RunStatus {
	switch {
	case failed == 0 && skipped == 0:
		return StatusSuccess
	case completed == 0 && failed > 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Tally recomputes the member counters and final verdict from Results.
func (e *Execution) Tally() {
	e.TasksCompleted, e.TasksFailed, e.TasksSkipped = 0, 0, 0
	for _, r := range e.Results {
		switch r.Status {
		case StatusSuccess:
			e.TasksCompleted++
		case StatusFailed:
			e.TasksFailed++
		case StatusSkipped:
			e.TasksSkipped++
		}
	}
	e.Status = FinalStatus(e.TasksCompleted, e.TasksFailed, e.TasksSkipped)
}

// ErrorSummary joins failed member errors as "name: err; name: err".
// Skip reasons are not failures and are left out.
func (e *Execution) ErrorSummary() string {
	var parts []string
	for _, r := range e.Results {
		if r.Status != StatusFailed {
			continue
		}
		msg := strings.TrimSpace(r.Error)
		if msg == "" {
			msg = "failed"
		}
		parts = append(parts, r.TaskName+": "+msg)
	}
	return strings.Join(parts, "; ")
}

// Summary is the last-run view of a finalized execution.
func (e *Execution) Summary() RunSummary {
	return RunSummary{At: e.StartedAt, Status: e.Status, Error: e.Error}
}
