package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"evalwatch/internal/eventbus"
	rtsup "evalwatch/internal/runtime/supervisor"
	logx "evalwatch/pkg/logx"

	"github.com/google/uuid"
)

const warnThrottleEvery = 5 * time.Second

// Service executes runs on a fixed worker pool fed by a bounded queue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	// runCtx is the parent of every run context. It outlives stopCh so
	// in-flight runs can drain until the Stop deadline.
	runCtx    context.Context
	cancelRun context.CancelFunc

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	skipped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedMisfire   atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastMisfireWarnAt   atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{cfg: cfg.withDefaults(), log: log, bus: bus}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the workers. It is a no-op while already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	cfg := s.cfg

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.runCtx, s.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))))

	queue, stopCh := s.q, s.stopCh
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("run engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops accepting runs and waits for in-flight runs until ctx is done.
// Runs still executing at the deadline have their context canceled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup, cancelRun, queue := s.sup, s.cancelRun, s.q
	s.mu.Unlock()

	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		s.log.Warn("run engine stop timed out; canceling runs", logx.Int("in_flight", int(s.inFlight.Load())))
		cancelRun()
		sup.Cancel()
		waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = sup.Wait(waitCtx)
		cancel()
	}
	cancelRun()
	sup.Cancel()

	// Runs still queued never started; give their admission back.
drain:
	for {
		select {
		case qt := <-queue:
			qt.task.State.release()
			s.publish(eventbus.TaskDropped, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: time.Now(), Reason: "shutdown"})
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.q = nil
	s.stopCh = nil
	s.sup = nil
	s.stopping = false
	s.mu.Unlock()
	s.log.Info("run engine stopped")
}

// Enqueue admits a run without blocking. It returns ErrOverlapSkip when the
// task's RunState is at its limit and ErrQueueFull when the queue is full.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = newTaskID()
	}

	if !t.State.tryAcquire() {
		s.skipped.Add(1)
		s.publish(eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Reason: "max_instances"})
		s.log.Debug("run skipped: max instances", logx.String("task", t.Name), logx.Int("limit", t.State.Limit()))
		return ErrOverlapSkip
	}

	// The send happens under mu so Stop's queue drain sees every admitted run.
	s.mu.Lock()
	q := s.q
	var err error
	switch {
	case q == nil:
		err = ErrStopped
	case s.stopping:
		err = ErrStopping
	default:
		timeout := t.Timeout
		if timeout <= 0 {
			timeout = s.cfg.DefaultTimeout
		}
		select {
		case q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout}:
		default:
			err = ErrQueueFull
		}
	}
	s.mu.Unlock()

	if err != nil {
		t.State.release()
		if errors.Is(err, ErrQueueFull) {
			s.onQueueFullDropped(now, t, q)
		}
	}
	return err
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	running := s.stopCh != nil && !s.stopping
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Skipped:          s.skipped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedMisfire:   s.droppedMisfire.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MisfireGrace:     cfg.MisfireGrace,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func newTaskID() string { return uuid.NewString() }

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
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

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	s.droppedQueueFull.Add(1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Reason: "queue_full"})
	if shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("run dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onMisfireDropped(now time.Time, t Task, queueDelay time.Duration) {
	s.droppedMisfire.Add(1)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Reason: "misfire"})
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "misfire"})
	if shouldWarn(&s.lastMisfireWarnAt, now) {
		s.log.Warn("run dropped: missed its start by more than the grace time",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_misfire", s.droppedMisfire.Load()),
		)
	}
}
