package model

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidSchedule    = errors.New("invalid schedule expression")
	ErrInvalidTask        = errors.New("invalid task")
	ErrInvalidGroup       = errors.New("invalid task group")
	ErrDuplicateMember    = errors.New("duplicate group member")
	ErrAlreadyRunning     = errors.New("execution already in progress")
	ErrExecutionFinalized = errors.New("execution already finalized")
)
