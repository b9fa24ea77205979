package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"evalwatch/internal/task/engine"
	logx "evalwatch/pkg/logx"
)

var (
	ErrDuplicateJobID = errors.New("scheduler: duplicate job id")
	ErrJobNotFound    = errors.New("scheduler: job not found")
	ErrUnavailable    = errors.New("scheduler: unavailable")
	ErrMaxInstances   = errors.New("scheduler: max instances reached")
)

// Handler is the work a job performs on each run.
type Handler interface {
	Execute(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

func (f HandlerFunc) Execute(ctx context.Context) error { return f(ctx) }

// Job is a registration request.
type Job struct {
	ID   string
	Name string // defaults to ID

	Trigger      Trigger
	MaxInstances int           // defaults to 1
	Timeout      time.Duration // 0 uses the engine default
	Handler      Handler
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Trigger      string            `json:"trigger"`
	TriggerArgs  map[string]string `json:"trigger_args"`
	NextRunTime  *time.Time        `json:"next_run_time"`
	Paused       bool              `json:"paused"`
	MaxInstances int               `json:"max_instances"`
	Running      int               `json:"running"`
	LastRun      *time.Time        `json:"last_run,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
}

// StateStore persists the paused flag per job id.
type StateStore interface {
	LoadJobStates(ctx context.Context) (map[string]bool, error)
	SaveJobState(ctx context.Context, jobID string, paused bool) error
}

// Config controls the scheduler.
type Config struct {
	// Timezone is an IANA name used for cron triggers. Empty means local time.
	Timezone string
}

type RegisterOption func(*registerCfg)

type registerCfg struct {
	replace bool
}

// ReplaceExisting replaces a job with the same id instead of failing.
func ReplaceExisting() RegisterOption {
	return func(c *registerCfg) { c.replace = true }
}

type Option func(*Service)

// WithStateStore persists paused flags across restarts.
func WithStateStore(st StateStore) Option { return func(s *Service) { s.store = st } }

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type lifecycle int

const (
	stateInit lifecycle = iota
	stateRunning
	stateShutdown
)

func (l lifecycle) String() string {
	switch l {
	case stateInit:
		return "init"
	case stateRunning:
		return "running"
	default:
		return "shutdown"
	}
}

type entry struct {
	id      string
	name    string
	trigger Trigger
	sched   schedule
	timeout time.Duration
	handler Handler
	state   *engine.RunState

	next    time.Time
	hasNext bool
	paused  bool
	done    bool

	lastRun time.Time
	lastErr string
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	loc   *time.Location
	state lifecycle
	jobs  map[string]*entry
	order []string

	log    logx.Logger
	engine *engine.Service
	store  StateStore
	now    func() time.Time

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	// manual disables the dispatch loop; tests drive tick directly.
	manual bool

	// Enqueue warning throttling keyed by job id.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// Snapshot is the diagnostic view served on /healthz.
type Snapshot struct {
	State    string          `json:"state"`
	Timezone string          `json:"timezone"`
	Jobs     []JobInfo       `json:"jobs"`
	Engine   engine.Snapshot `json:"engine"`
}
