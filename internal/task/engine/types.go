package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the run engine. The scheduler only decides when a job is
// due; the engine owns how runs execute.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MisfireGrace drops runs that waited in the queue longer than this.
	// 0 keeps every run.
	MisfireGrace time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 20
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// RunState caps the concurrent instances of one job. Queued runs count as in
// flight, so a trigger firing faster than the job finishes cannot pile up.
type RunState struct {
	mu       sync.Mutex
	limit    int
	inflight int
}

// NewRunState returns a state admitting up to limit instances (minimum 1).
func NewRunState(limit int) *RunState {
	return &RunState{limit: max(1, limit)}
}

// SetLimit changes the cap; runs already admitted are not affected.
func (s *RunState) SetLimit(limit int) {
	s.mu.Lock()
	s.limit = max(1, limit)
	s.mu.Unlock()
}

func (s *RunState) InFlight() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *RunState) Limit() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight >= max(1, s.limit) {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Task is one run of a job. State, when set, gates admission.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	State   *RunState
}

// Snapshot is a diagnostic view of the engine.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Skipped          uint64 `json:"skipped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedMisfire   uint64 `json:"dropped_misfire"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MisfireGrace   time.Duration `json:"misfire_grace"`

	History []HistoryItem `json:"history"`
}
