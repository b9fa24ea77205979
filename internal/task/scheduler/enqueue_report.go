package scheduler

import (
	"errors"
	"time"

	"evalwatch/internal/task/engine"
	logx "evalwatch/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a due occurrence that could not be submitted.
// Instance-cap skips are always logged; queue pressure warnings are
// throttled per job.
func (s *Service) reportEnqueueError(id string, due time.Time, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Warn("job.skipped", logx.String("job", id), logx.Time("due", due.In(s.loc)), logx.String("reason", "max instances reached"))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[id] = now
	s.enqMu.Unlock()

	s.log.Warn("job.skipped", logx.String("job", id), logx.Time("due", due.In(s.loc)), logx.Err(err))
}
