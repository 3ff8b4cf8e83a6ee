package app

import (
	logx "autopanel/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Console: true}
	}
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			// The chat sink needs both the flag and a target chat.
			Enabled:    lc.Telegram.Enabled && cfg.GroupLogChatID() != 0,
			ChatID:     cfg.GroupLogChatID(),
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}
