package app

import (
	"fmt"
	"strings"
	"time"

	"autopanel/internal/storage"
)

const defaultStoragePath = "./data/autopanel.db"

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{Driver: "sqlite", Path: defaultStoragePath}, nil
	}
	sc := cfg.Storage
	dl := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch dl {
	case "memory":
		return storage.Config{Driver: dl}, nil
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultStoragePath
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
