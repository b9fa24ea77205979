package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"evalwatch/internal/eventbus"
	logx "evalwatch/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
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
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(qt queuedTask) {
	defer qt.task.State.release()

	start := time.Now()
	queueDelay := max(0, start.Sub(qt.enqueuedAt))

	s.mu.Lock()
	grace := s.cfg.MisfireGrace
	parent := s.runCtx
	s.mu.Unlock()

	if grace > 0 && queueDelay > grace {
		s.onMisfireDropped(start, qt.task, queueDelay)
		return
	}

	s.log.Debug("run started", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	runCtx, cancel := parent, context.CancelFunc(func() {})
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, qt.timeout)
	}
	err := s.call(runCtx, qt.task)
	cancel()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("run failed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Err(err), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFailed, ev)
	} else {
		s.log.Info("run completed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFinished, ev)
	}
	s.record(item)
}

// call runs the task, converting a panic into an error so one bad run cannot
// take a worker down.
func (s *Service) call(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("run panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
