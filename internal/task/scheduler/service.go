package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"evalwatch/internal/task/engine"
	logx "evalwatch/pkg/logx"
)

// maxSleep bounds how long the dispatch loop sleeps, so wall-clock jumps are
// noticed within a minute.
const maxSleep = time.Minute

func New(cfg Config, eng *engine.Service, log logx.Logger, opts ...Option) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
		}
		loc = l
	}
	s := &Service{
		cfg:         cfg,
		loc:         loc,
		jobs:        map[string]*entry{},
		log:         log,
		engine:      eng,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Location is the timezone cron triggers and next_run_time use.
func (s *Service) Location() *time.Location { return s.loc }

// Start restores persisted paused flags, computes next run times and starts
// the dispatch loop. It fails with ErrUnavailable after Stop.
func (s *Service) Start(ctx context.Context) error {
	var persisted map[string]bool
	if s.store != nil {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		st, err := s.store.LoadJobStates(lctx)
		cancel()
		if err != nil {
			s.log.Warn("job state restore failed", logx.Err(err))
		}
		persisted = st
	}

	s.mu.Lock()
	switch s.state {
	case stateShutdown:
		s.mu.Unlock()
		return ErrUnavailable
	case stateRunning:
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	for _, id := range s.order {
		e := s.jobs[id]
		if p, ok := persisted[id]; ok {
			e.paused = p
		}
		s.scheduleFirstLocked(e, now)
	}
	s.state = stateRunning
	if s.manual {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	count := len(s.jobs)
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(loopCtx)
	}()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", count))
	return nil
}

// Stop ends the dispatch loop. Every later call returns ErrUnavailable and
// the scheduler cannot be restarted. Runs already submitted keep executing
// in the engine.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.state == stateShutdown {
		s.mu.Unlock()
		return
	}
	s.state = stateShutdown
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
		wait := s.tick(s.now())
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch is one due occurrence, collected under the lock and submitted
// after it is released.
type dispatch struct {
	e   *entry
	due time.Time
}

// tick submits every job due at now and returns how long to sleep.
func (s *Service) tick(now time.Time) time.Duration {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return maxSleep
	}
	var due []dispatch
	for _, id := range s.order {
		e := s.jobs[id]
		if e.paused || !e.hasNext || now.Before(e.next) {
			continue
		}
		due = append(due, dispatch{e: e, due: e.next})
		next, ok := e.sched.next(e.next, now)
		e.next, e.hasNext = next, ok
		if !ok {
			e.done = true
		}
	}
	wait := maxSleep
	for _, e := range s.jobs {
		if e.paused || !e.hasNext {
			continue
		}
		if d := e.next.Sub(now); d < wait {
			wait = d
		}
	}
	s.mu.Unlock()

	for _, d := range due {
		err := s.submit(d.e)
		s.reportEnqueueError(d.e.id, d.due, err)
	}
	return max(wait, 0)
}

func (s *Service) submit(e *entry) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{
		Name:    e.id,
		Timeout: e.timeout,
		State:   e.state,
		Run:     s.runFunc(e),
	})
}

// runFunc wraps the handler so failures and panics land in the job record.
func (s *Service) runFunc(e *entry) func(ctx context.Context) error {
	id, h := e.id, e.handler
	return func(ctx context.Context) (err error) {
		started := s.now()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job.panic", logx.String("job", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			} else if err != nil {
				s.log.Error("job.failed", logx.String("job", id), logx.Err(err))
			}
			s.recordRun(id, started, err)
		}()
		return h.Execute(ctx)
	}
}

func (s *Service) recordRun(id string, started time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.jobs[id]
	if e == nil {
		return
	}
	e.lastRun = started
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
}

func (s *Service) scheduleFirstLocked(e *entry, now time.Time) {
	if e.paused || e.done {
		e.hasNext = false
		return
	}
	e.next, e.hasNext = e.sched.first(now)
}

// Snapshot reports scheduler and engine state for diagnostics.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	snap := Snapshot{State: st.String(), Timezone: s.loc.String(), Jobs: s.jobsUnchecked()}
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}
