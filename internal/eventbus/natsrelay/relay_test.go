package natsrelay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"autopanel/internal/eventbus"
	logx "autopanel/pkg/logx"
)

type captured struct {
	mu   sync.Mutex
	subj []string
	body [][]byte
}

func (c *captured) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subj = append(c.subj, subject)
	c.body = append(c.body, data)
	return nil
}

func (c *captured) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subj)
}

func TestSubject(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":           "autopanel.group.run.finished",
		"  ":         "autopanel.group.run.finished",
		"ops":        "ops.group.run.finished",
		".ops.prod.": "ops.prod.group.run.finished",
	}
	for prefix, want := range cases {
		if got := New(&captured{}, prefix, logx.Nop()).Subject(eventbus.GroupRunFinished); got != want {
			t.Fatalf("prefix %q: subject=%q want %q", prefix, got, want)
		}
	}
}

func TestRunForwardsBusEvents(t *testing.T) {
	pub := &captured{}
	r := New(pub, "ops", logx.Nop())
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, events)
		close(done)
	}()

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Type: eventbus.ScheduleFired, Time: at, Data: map[string]any{"key": "group:1"}})

	deadline := time.Now().Add(2 * time.Second)
	for pub.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not forwarded")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if pub.subj[0] != "ops.schedule.fired" {
		t.Fatalf("subject=%q", pub.subj[0])
	}
	var msg struct {
		Type string            `json:"type"`
		Time time.Time         `json:"time"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(pub.body[0], &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != eventbus.ScheduleFired || !msg.Time.Equal(at) || msg.Data["key"] != "group:1" {
		t.Fatalf("message %+v", msg)
	}
}

func TestForwardRejectsUntypedEvent(t *testing.T) {
	r := New(&captured{}, "", logx.Nop())
	if err := r.Forward(eventbus.Event{}); err == nil {
		t.Fatal("expected error")
	}
}
