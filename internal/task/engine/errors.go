package engine

import "errors"

var (
	ErrDisabled  = errors.New("task engine disabled")
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
	// ErrBusy means a job with the same key is already queued or running.
	ErrBusy = errors.New("task engine: job already queued or running")
)
