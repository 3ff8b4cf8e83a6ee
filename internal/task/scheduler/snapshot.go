package scheduler

import (
	"sort"
	"time"

	"autopanel/internal/task/model"
)

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	snap := Snapshot{Enabled: r.cfg.Enabled, Closed: r.closed}
	for _, e := range r.entries {
		it := EntryInfo{Key: e.key, Name: e.name, Expr: e.expr}
		ce := r.c.Entry(e.entryID)
		it.Next, it.Prev = ce.Next, ce.Prev
		// Cron fills Next only once started.
		if it.Next.IsZero() {
			it.Next = e.sched.Next(now)
		}
		it.Next, it.Prev = it.Next.UTC(), utcOrZero(it.Prev)
		snap.Entries = append(snap.Entries, it)
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		a, b := snap.Entries[i].Key, snap.Entries[j].Key
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})
	return snap
}

func (r *Registry) Entry(key model.EntityKey) (EntryInfo, bool) {
	for _, it := range r.Snapshot().Entries {
		if it.Key == key {
			return it, true
		}
	}
	return EntryInfo{}, false
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
