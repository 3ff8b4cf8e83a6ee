package app

import (
	"autopanel/internal/actions"
)

func mapActionsConfig(cfg *Config) (actions.Config, error) {
	if cfg == nil {
		return actions.Config{}, nil
	}
	ac := cfg.Actions
	cmdTimeout, err := parseDurationField("actions.command_timeout", ac.CommandTimeout)
	if err != nil {
		return actions.Config{}, err
	}
	unitTimeout, err := parseDurationField("actions.unit_timeout", ac.UnitTimeout)
	if err != nil {
		return actions.Config{}, err
	}
	return actions.Config{
		Shell:          ac.Shell,
		WorkDir:        ac.WorkDir,
		CommandTimeout: cmdTimeout,
		UnitTimeout:    unitTimeout,
		BackupDir:      ac.BackupDir,
		BackupKeep:     ac.BackupKeep,
	}, nil
}
