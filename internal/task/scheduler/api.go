package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"evalwatch/internal/task/engine"
	logx "evalwatch/pkg/logx"
)

// Register adds a job. The trigger is compiled here, so an invalid trigger or
// a missing handler fails immediately. An existing id fails with
// ErrDuplicateJobID unless ReplaceExisting is given; a replaced job keeps its
// in-flight count.
func (s *Service) Register(job Job, opts ...RegisterOption) error {
	var rc registerCfg
	for _, o := range opts {
		o(&rc)
	}
	id := strings.TrimSpace(job.ID)
	if id == "" {
		return errors.New("scheduler: job id required")
	}
	if job.Handler == nil {
		return fmt.Errorf("scheduler: job %s: handler required", id)
	}
	if job.Trigger == nil {
		return fmt.Errorf("scheduler: job %s: trigger required", id)
	}
	sched, err := job.Trigger.compile(s.loc)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", id, err)
	}
	name := strings.TrimSpace(job.Name)
	if name == "" {
		name = id
	}
	limit := max(1, job.MaxInstances)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateShutdown {
		return ErrUnavailable
	}
	old, exists := s.jobs[id]
	if exists && !rc.replace {
		return fmt.Errorf("%w: %s", ErrDuplicateJobID, id)
	}

	e := &entry{
		id:      id,
		name:    name,
		trigger: job.Trigger,
		sched:   sched,
		timeout: job.Timeout,
		handler: job.Handler,
	}
	if exists {
		e.state = old.state
		e.state.SetLimit(limit)
		e.lastRun, e.lastErr = old.lastRun, old.lastErr
	} else {
		e.state = engine.NewRunState(limit)
		s.order = append(s.order, id)
	}
	s.jobs[id] = e
	s.scheduleFirstLocked(e, s.now())

	fields := []logx.Field{logx.String("job", id), logx.String("trigger", job.Trigger.Kind()), logx.Int("max_instances", limit), logx.Bool("replaced", exists)}
	if e.hasNext {
		fields = append(fields, logx.Time("next", e.next.In(s.loc)))
	}
	s.log.Info("job.registered", fields...)
	if s.state == stateRunning {
		s.notify()
	}
	return nil
}

// Jobs lists registered jobs in registration order. It never waits on a run.
func (s *Service) Jobs() ([]JobInfo, error) {
	s.mu.Lock()
	shut := s.state == stateShutdown
	s.mu.Unlock()
	if shut {
		return nil, ErrUnavailable
	}
	return s.jobsUnchecked(), nil
}

func (s *Service) jobsUnchecked() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.infoLocked(s.jobs[id]))
	}
	return out
}

// Job returns one job.
func (s *Service) Job(id string) (JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateShutdown {
		return JobInfo{}, ErrUnavailable
	}
	e, ok := s.jobs[id]
	if !ok {
		return JobInfo{}, ErrJobNotFound
	}
	return s.infoLocked(e), nil
}

func (s *Service) infoLocked(e *entry) JobInfo {
	info := JobInfo{
		ID:           e.id,
		Name:         e.name,
		Trigger:      e.trigger.Kind(),
		TriggerArgs:  e.trigger.Args(),
		Paused:       e.paused,
		MaxInstances: e.state.Limit(),
		Running:      e.state.InFlight(),
		LastError:    e.lastErr,
	}
	if e.hasNext && !e.paused {
		next := e.next.In(s.loc)
		info.NextRunTime = &next
	}
	if !e.lastRun.IsZero() {
		last := e.lastRun.In(s.loc)
		info.LastRun = &last
	}
	return info
}

// Pause stops future runs of a job. Pausing a paused job is a no-op.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.setPaused(ctx, id, true)
}

// Resume recomputes the next run time from now. Resuming a running job is a
// no-op; a fired date job stays without a next run time.
func (s *Service) Resume(ctx context.Context, id string) error {
	return s.setPaused(ctx, id, false)
}

func (s *Service) setPaused(ctx context.Context, id string, paused bool) error {
	s.mu.Lock()
	if s.state == stateShutdown {
		s.mu.Unlock()
		return ErrUnavailable
	}
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if e.paused == paused {
		s.mu.Unlock()
		return nil
	}
	e.paused = paused
	s.scheduleFirstLocked(e, s.now())
	running := s.state == stateRunning
	s.mu.Unlock()

	if paused {
		s.log.Info("job.paused", logx.String("job", id))
	} else {
		s.log.Info("job.resumed", logx.String("job", id))
		if running {
			s.notify()
		}
	}
	if s.store != nil {
		if err := s.store.SaveJobState(ctx, id, paused); err != nil {
			s.log.Warn("job state persist failed", logx.String("job", id), logx.Bool("paused", paused), logx.Err(err))
		}
	}
	return nil
}

// Remove deletes a job. Runs already submitted finish normally.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateShutdown {
		return ErrUnavailable
	}
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.log.Info("job.removed", logx.String("job", id))
	return nil
}

// RunNow submits one extra run outside the trigger. The next run time is
// unchanged. ErrMaxInstances reports a full instance cap.
func (s *Service) RunNow(id string) error {
	s.mu.Lock()
	if s.state == stateShutdown {
		s.mu.Unlock()
		return ErrUnavailable
	}
	e, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	err := s.submit(e)
	switch {
	case err == nil:
		s.log.Info("job.run_now", logx.String("job", id))
		return nil
	case errors.Is(err, engine.ErrOverlapSkip):
		return fmt.Errorf("%w: %s", ErrMaxInstances, id)
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}
