package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopanel.yaml")
	writeFile(t, path, `
logging:
  level: debug
  console: true
scheduler:
  reconcile_stale_runs: false
task_engine:
  workers: 3
storage:
  driver: memory
actions:
  shell: /bin/bash
  command_timeout: 90s
nats:
  enabled: true
  url: nats://127.0.0.1:4222
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.TaskEngine.Workers != 3 || cfg.Actions.Shell != "/bin/bash" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.Scheduler.IsEnabled() {
		t.Fatal("scheduler should default to enabled")
	}
	if cfg.Scheduler.ReconcileEnabled() {
		t.Fatal("reconcile_stale_runs=false was ignored")
	}
}

func TestDecodeStrict(t *testing.T) {
	cases := map[string]string{
		"unknown field": `{"logging":{"level":"info"},"plugins":{}}`,
		"trailing data": `{"logging":{}} {"logging":{}}`,
	}
	for name, body := range cases {
		if _, err := Decode([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		TaskEngine: TaskEngineConfig{DefaultTimeout: "soon"},
		Storage:    StorageConfig{Driver: "postgres"},
		Telegram:   TelegramConfig{Enabled: true, GroupLog: "chat"},
		NATS:       NATSConfig{Enabled: true},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"task_engine.default_timeout", "storage.driver", "telegram.token", "owner_user_ids", "group_log", "nats.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
	if err := (&Config{Storage: StorageConfig{Driver: "memory"}}).Validate(); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}, Telegram: TelegramConfig{Token: "b"}}
	ch := SummarizeConfigChange(oldCfg, newCfg)
	if !reflect.DeepEqual(ch.Sections, []string{"logging", "telegram"}) {
		t.Fatalf("sections=%v", ch.Sections)
	}
	if !reflect.DeepEqual(ch.RestartRequired, []string{"telegram"}) {
		t.Fatalf("restart=%v", ch.RestartRequired)
	}
	if !SummarizeConfigChange(newCfg, newCfg).Empty() {
		t.Fatal("identical configs should produce no change")
	}
}

func TestWatchPublishesValidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopanel.json")
	writeFile(t, path, `{"logging":{"level":"info"},"storage":{"driver":"memory"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, `{"logging":{"level":"info"},"storage":{"driver":"postgres"}}`)
	time.Sleep(500 * time.Millisecond)
	if len(sub) != 0 {
		t.Fatal("invalid config was published")
	}

	writeFile(t, path, `{"logging":{"level":"debug"},"storage":{"driver":"memory"}}`)
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload was not published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("reloaded config was not committed")
	}
}
