package config

// Config is the on-disk configuration (JSON, or YAML by file extension).
// Durations are Go duration strings such as "500ms", "30s" or "5m".
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Storage    StorageConfig    `json:"storage"`
	Actions    ActionsConfig    `json:"actions"`
	Telegram   TelegramConfig   `json:"telegram"`
	NATS       NATSConfig       `json:"nats"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warnings and errors to telegram.group_log.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls timer arming. Both flags default to true when
// omitted, so they are pointers.
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// ReconcileStaleRuns finalizes executions left "running" by a previous
	// process as failed before schedules are loaded.
	ReconcileStaleRuns *bool `json:"reconcile_stale_runs,omitempty"`
}

func (c SchedulerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c SchedulerConfig) ReconcileEnabled() bool {
	return c.ReconcileStaleRuns == nil || *c.ReconcileStaleRuns
}

// TaskEngineConfig sizes the worker pool that runs fired schedules.
//
// Defaults: workers 4, queue_size 64, default_timeout "0s" (none),
// history_size 200.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig selects the persistence backend.
//
//	"storage": { "driver": "sqlite", "path": "./data/autopanel.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ActionsConfig configures the built-in action executor.
type ActionsConfig struct {
	// Shell runs command payloads as `<shell> -c <command>`. Default /bin/sh.
	Shell          string `json:"shell,omitempty"`
	WorkDir        string `json:"work_dir,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
	UnitTimeout    string `json:"unit_timeout,omitempty"`
	BackupDir      string `json:"backup_dir,omitempty"`
	BackupKeep     int    `json:"backup_keep,omitempty"`
	// Systemd enables start/stop/restart through the system D-Bus.
	Systemd bool `json:"systemd"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// GroupLog is the chat id receiving log lines and run notices.
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// NATSConfig relays scheduler events to <subject_prefix>.<event type>.
type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}
