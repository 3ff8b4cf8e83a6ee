package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Validate checks cross-field rules that strict decoding cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := map[string]string{
		"task_engine.default_timeout": c.TaskEngine.DefaultTimeout,
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"actions.command_timeout":     c.Actions.CommandTimeout,
		"actions.unit_timeout":        c.Actions.UnitTimeout,
		"telegram.poll_timeout":       c.Telegram.PollTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.TaskEngine.Workers < 0 || c.TaskEngine.QueueSize < 0 || c.TaskEngine.HistorySize < 0 {
		errs = append(errs, errors.New("task_engine: sizes must be >= 0"))
	}
	if c.Actions.BackupKeep < 0 {
		errs = append(errs, errors.New("actions.backup_keep must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	}

	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token is required when telegram.enabled=true"))
		}
		if len(c.Telegram.OwnerUserIDs) == 0 {
			errs = append(errs, errors.New("telegram.owner_user_ids must not be empty"))
		}
	}
	if gl := strings.TrimSpace(c.Telegram.GroupLog); gl != "" {
		if _, err := strconv.ParseInt(gl, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: invalid chat id %q", gl))
		}
	}
	if c.NATS.Enabled && strings.TrimSpace(c.NATS.URL) == "" {
		errs = append(errs, errors.New("nats.url is required when nats.enabled=true"))
	}
	return errors.Join(errs...)
}

// GroupLogChatID returns telegram.group_log as a chat id (0 when unset).
func (c *Config) GroupLogChatID() int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(c.Telegram.GroupLog), 10, 64)
	return id
}
