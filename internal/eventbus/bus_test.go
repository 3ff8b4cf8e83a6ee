package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	groups, unsubGroups := b.Subscribe(4, "group.")
	defer unsubGroups()

	b.Publish(Event{Type: ScheduleFired})
	b.Publish(Event{Type: GroupRunFinished, Data: 7})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(groups); got != 1 {
		t.Fatalf("group subscriber got %d events, want 1", got)
	}
	e := <-groups
	if e.Type != GroupRunFinished || e.Data.(int) != 7 || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: JobStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if st := b.Stats(); st.Dropped != 99 || st.Published != 100 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: JobFinished})
	if st := b.Stats(); st.Subscribers != 0 {
		t.Fatalf("subscribers=%d", st.Subscribers)
	}
}

func TestPublishHelperNilBus(t *testing.T) {
	Publish(nil, ScheduleFired, nil)
}
