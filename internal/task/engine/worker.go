package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"autopanel/internal/eventbus"
	logx "autopanel/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj, ok := <-queue:
			if !ok {
				return
			}
			s.signalRoom()
			s.inFlight.Add(1)
			s.execOne(ctx, qj)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queuedJob) {
	defer s.states.release(qj.job.Key)

	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)
	j := qj.job

	s.log.Debug("job started", logx.String("job", j.Name), logx.String("key", j.Key), logx.Duration("queue_delay", queueDelay))
	eventbus.Publish(s.bus, eventbus.JobStarted, JobEvent{ID: j.ID, Key: j.Key, Name: j.Name, Started: start, QueueDelay: queueDelay})

	// Shutdown must not abort a run that already started.
	runCtx := context.WithoutCancel(ctx)
	cancel := func() {}
	if qj.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, qj.timeout)
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panicked", logx.String("job", j.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = j.Run(runCtx)
	}()
	cancel()

	dur := time.Since(start)
	item := HistoryItem{ID: j.ID, Key: j.Key, Name: j.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := JobEvent{ID: j.ID, Key: j.Key, Name: j.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("job failed", logx.String("job", j.Name), logx.String("key", j.Key), logx.Err(err), logx.Duration("dur", dur))
		eventbus.Publish(s.bus, eventbus.JobFailed, ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("job completed", logx.String("job", j.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("job completed", logx.String("job", j.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		eventbus.Publish(s.bus, eventbus.JobFinished, ev)
	}
	s.record(item)
}
