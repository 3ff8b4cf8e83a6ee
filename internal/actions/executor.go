// Package actions implements the closed set of task effects: unit start, stop
// and restart, shell commands and directory backups.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
)

var (
	ErrUnsupportedKind = errors.New("unsupported action kind")
	ErrNoUnits         = errors.New("unit control is not configured")
	ErrBadPayload      = errors.New("invalid action payload")
)

// UnitController is satisfied by *systemdmanager.ServiceManager.
type UnitController interface {
	StartContext(ctx context.Context, unit string) error
	StopContext(ctx context.Context, unit string) error
	RestartContext(ctx context.Context, unit string) error
}

type Config struct {
	Shell          string
	WorkDir        string
	CommandTimeout time.Duration
	UnitTimeout    time.Duration
	BackupDir      string
	// BackupKeep is the default number of archives kept per resource;
	// 0 keeps all of them.
	BackupKeep int
}

const (
	defaultShell       = "/bin/sh"
	defaultUnitTimeout = 90 * time.Second
	defaultBackupDir   = "./data/backups"
	// maxOutput bounds how much command output ends up in an error message.
	maxOutput = 2048
)

func (c Config) withDefaults() Config {
	if c.Shell == "" {
		c.Shell = defaultShell
	}
	if c.UnitTimeout <= 0 {
		c.UnitTimeout = defaultUnitTimeout
	}
	if c.BackupDir == "" {
		c.BackupDir = defaultBackupDir
	}
	if c.BackupKeep < 0 {
		c.BackupKeep = 0
	}
	return c
}

// Executor dispatches a task to its effect by kind.
type Executor struct {
	cfg   Config
	units UnitController
	log   logx.Logger
	now   func() time.Time
}

// New returns an executor. units may be nil, in which case unit actions fail
// with ErrNoUnits.
func New(cfg Config, units UnitController, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		cfg:   cfg.withDefaults(),
		units: units,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs t's effect and returns nil on success.
func (x *Executor) Execute(ctx context.Context, t *model.Task) error {
	log := x.log.With(logx.Int64("task_id", t.ID), logx.String("task", t.Label()), logx.String("kind", string(t.Kind)))
	start := time.Now()

	var err error
	switch t.Kind {
	case model.ActionStart, model.ActionStop, model.ActionRestart:
		err = x.unitAction(ctx, t)
	case model.ActionCommand:
		err = x.command(ctx, t)
	case model.ActionBackup:
		var path string
		path, err = x.backup(ctx, t)
		if err == nil {
			log = log.With(logx.String("archive", path))
		}
	default:
		err = fmt.Errorf("%w %q", ErrUnsupportedKind, t.Kind)
	}

	if err != nil {
		log.Debug("action failed", logx.Duration("dur", time.Since(start)), logx.Err(err))
		return err
	}
	log.Debug("action done", logx.Duration("dur", time.Since(start)))
	return nil
}

func (x *Executor) unitAction(ctx context.Context, t *model.Task) error {
	if x.units == nil {
		return ErrNoUnits
	}
	p, err := decodeUnitPayload(t.Payload)
	if err != nil {
		return err
	}
	unit := p.Unit
	if unit == "" {
		unit = t.Resource
	}
	if unit == "" {
		return fmt.Errorf("%w: no unit: set the task resource or payload.unit", ErrBadPayload)
	}

	ctx, cancel := context.WithTimeout(ctx, x.cfg.UnitTimeout)
	defer cancel()
	switch t.Kind {
	case model.ActionStart:
		return x.units.StartContext(ctx, unit)
	case model.ActionStop:
		return x.units.StopContext(ctx, unit)
	default:
		return x.units.RestartContext(ctx, unit)
	}
}
