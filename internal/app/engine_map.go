package app

import (
	"autopanel/internal/task/engine"
)

// The engine always runs: the scheduler and the run-now commands both need
// it, so task_engine has no enabled flag of its own.
func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{Enabled: true}, nil
	}
	te := cfg.TaskEngine
	timeout, err := parseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	// Zero sizes fall back to engine defaults.
	return engine.Config{
		Enabled:        true,
		Workers:        max(te.Workers, 0),
		QueueSize:      max(te.QueueSize, 0),
		DefaultTimeout: timeout,
		HistorySize:    max(te.HistorySize, 0),
	}, nil
}
