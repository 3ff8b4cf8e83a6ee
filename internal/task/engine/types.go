package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the job execution engine.
//
// The scheduler is trigger-only; execution settings live here. The app
// layer maps config.task_engine into this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Job.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

const (
	defaultWorkers     = 4
	defaultQueueSize   = 64
	defaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Job is a unit of work executed by the engine.
//
// Key identifies the entity the job acts on ("group:3", "task:7"). Only one
// job per key may be queued or running at a time; a second one is rejected
// with ErrBusy. An empty key falls back to Name.
type Job struct {
	ID      string
	Key     string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// RunState tracks which keys are queued or in flight. A key counts as busy
// from acceptance until its run returns, which prevents a schedule that fires
// faster than the work completes from piling up the queue.
type RunState struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func (s *RunState) tryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy == nil {
		s.busy = make(map[string]struct{})
	}
	if _, ok := s.busy[key]; ok {
		return false
	}
	s.busy[key] = struct{}{}
	return true
}

func (s *RunState) release(key string) {
	s.mu.Lock()
	delete(s.busy, key)
	s.mu.Unlock()
}

func (s *RunState) isBusy(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.busy[key]
	return ok
}

type HistoryItem struct {
	ID         string
	Key        string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	ID         string        `json:"id"`
	Key        string        `json:"key"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped        uint64
	DefaultTimeout time.Duration

	History []HistoryItem
}
