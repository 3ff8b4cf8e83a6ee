package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"autopanel/internal/eventbus"
	rtsup "autopanel/internal/runtime/supervisor"
	logx "autopanel/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q chan queuedJob
	// room is poked when a worker takes a job, waking one blocked Submit.
	room chan struct{}

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	states RunState

	hmu     sync.Mutex
	history []HistoryItem

	inFlight atomic.Int32
	dropped  atomic.Uint64

	queueFullWarn *rate.Limiter
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:           cfg.withDefaults(),
		log:           log,
		bus:           bus,
		queueFullWarn: rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
		room:          make(chan struct{}, 1),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Busy reports whether a job with key is queued or running.
func (s *Service) Busy(key string) bool { return s.states.isBusy(key) }

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		// A broken worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop closes intake and waits for in-flight jobs until ctx is done. Jobs
// still running at that point are detached and finish on their own; jobs
// still queued are discarded.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	go func() {
		// Workers leave the loop on stopCh; jobs run on a context that Stop
		// does not cancel, so Wait here is the drain of in-flight work.
		_ = sup.Wait(context.Background())
		sup.Cancel()
		s.mu.Lock()
		s.discardQueued(queue)
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out; detaching in-flight jobs",
			logx.Int("in_flight", int(s.inFlight.Load())), logx.Err(ctx.Err()))
	}
}

func (s *Service) discardQueued(q chan queuedJob) {
	for {
		select {
		case qj := <-q:
			s.states.release(qj.job.Key)
			s.dropped.Add(1)
			eventbus.Publish(s.bus, eventbus.JobDropped, JobEvent{ID: qj.job.ID, Key: qj.job.Key, Name: qj.job.Name, Error: "engine_stopped"})
		default:
			return
		}
	}
}

// Enqueue accepts a job without blocking. A full queue returns ErrQueueFull.
//
// Use Submit when you want backpressure instead of dropping.
func (s *Service) Enqueue(j Job) error {
	return s.enqueue(context.Background(), j, false)
}

// Submit blocks until the job is accepted, ctx is canceled, or the engine stops.
func (s *Service) Submit(ctx context.Context, j Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, j, true)
}

func (s *Service) enqueue(ctx context.Context, j Job, block bool) error {
	if j.Run == nil {
		return errors.New("job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return errors.New("job Name is required")
	}
	j.Key = strings.TrimSpace(j.Key)
	if j.Key == "" {
		j.Key = j.Name
	}
	if strings.TrimSpace(j.ID) == "" {
		j.ID = uuid.NewString()
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	if !s.states.tryAcquire(j.Key) {
		s.log.Debug("job rejected: key busy", logx.String("key", j.Key), logx.String("job", j.Name))
		return ErrBusy
	}

	qj := queuedJob{job: j, enqueuedAt: time.Now(), timeout: timeout}
	for {
		sent, err := s.trySend(q, qj)
		if err != nil {
			s.states.release(j.Key)
			return err
		}
		if sent {
			if block && len(q) < cap(q) {
				s.signalRoom()
			}
			return nil
		}
		if !block {
			s.states.release(j.Key)
			s.onQueueFull(j, q)
			return ErrQueueFull
		}
		select {
		case <-s.room:
		case <-ctx.Done():
			s.states.release(j.Key)
			return ctx.Err()
		case <-stopCh:
			s.states.release(j.Key)
			return ErrStopping
		}
	}
}

// trySend offers qj to q without blocking. The send happens under mu so it
// cannot land after Stop drained the queue.
func (s *Service) trySend(q chan queuedJob, qj queuedJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopDone != nil || s.q != q {
		return false, ErrStopping
	}
	select {
	case q <- qj:
		return true, nil
	default:
		return false, nil
	}
}

func (s *Service) signalRoom() {
	select {
	case s.room <- struct{}{}:
	default:
	}
}

func (s *Service) onQueueFull(j Job, q chan queuedJob) {
	s.dropped.Add(1)
	eventbus.Publish(s.bus, eventbus.JobDropped, JobEvent{ID: j.ID, Key: j.Key, Name: j.Name, Started: time.Now(), Error: "queue_full"})
	if s.queueFullWarn.Allow() {
		s.log.Warn("job dropped: queue full",
			logx.String("job", j.Name),
			logx.String("key", j.Key),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped", s.dropped.Load()),
		)
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Running:        running,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		Dropped:        s.dropped.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
