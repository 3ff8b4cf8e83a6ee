package config

import (
	"reflect"
	"strings"

	logx "autopanel/pkg/logx"
)

// liveSections are applied on reload; every other changed section only takes
// effect after a restart.
var liveSections = map[string]bool{"logging": true}

// Change describes what a reload touched. Fields never carry secrets.
type Change struct {
	Sections        []string
	RestartRequired []string
	Fields          []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if !liveSections[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.Bool("scheduler.reconcile_stale_runs", newCfg.Scheduler.ReconcileEnabled()),
		)
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		mark("task_engine",
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Actions != newCfg.Actions {
		mark("actions", logx.Bool("actions.systemd", newCfg.Actions.Systemd))
	}
	// Token changes are detected but never logged.
	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		mark("telegram",
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}
	if oldCfg.NATS != newCfg.NATS {
		mark("nats", logx.Bool("nats.enabled", newCfg.NATS.Enabled))
	}
	return ch
}
