package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	l.With(Int("n", 1)).Error("ignored", Err(errors.New("x")))
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "engine"))
	l.Warn("job failed", Int64("id", 7), Err(errors.New("boom")), Duration("dur", time.Second))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if m["comp"] != "engine" || m["message"] != "job failed" || m["level"] != "warn" {
		t.Fatalf("unexpected line %v", m)
	}
	if caller, _ := m["caller"].(string); !strings.HasPrefix(caller, "logging_test.go:") {
		t.Fatalf("caller=%v", m["caller"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info leaked at warn level: %q", buf.String())
	}
	if l.Enabled(LevelInfo) || !l.Enabled(LevelError) {
		t.Fatal("Enabled mismatch")
	}
}

func TestFormatLine(t *testing.T) {
	line := []byte(`{"level":"error","time":"x","message":"finalize failed","group":"nightly","err":"disk full"}`)
	got := FormatLine(line)
	want := "[ERROR] finalize failed\n- err=disk full\n- group=nightly"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (r *recordingSender) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return nil
}

func TestServiceTelegramSink(t *testing.T) {
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 10},
	})
	defer svc.Close()
	rec := &recordingSender{got: make(chan struct{}, 1)}
	svc.SetSender(rec)

	log.Info("below threshold")
	log.Warn("group run failed", String("group", "nightly"))

	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.msgs) != 1 || !strings.HasPrefix(rec.msgs[0], "[WARN] group run failed") {
		t.Fatalf("msgs=%q", rec.msgs)
	}
}
