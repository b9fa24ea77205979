package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"evalwatch/internal/eventbus"
	logx "evalwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) TaskEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev.Data.(TaskEvent)
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 2}, bus)

	var ran atomic.Bool
	require.NoError(t, s.Enqueue(Task{ID: "r1", Name: "job", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}))

	ev := waitEvent(t, events, eventbus.TaskFinished)
	assert.Equal(t, "r1", ev.ID)
	assert.True(t, ran.Load())
}

func TestMaxInstancesSkipsOverlap(t *testing.T) {
	s := startEngine(t, Config{Workers: 4}, nil)
	st := NewRunState(1)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "slow", State: st, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	err := s.Enqueue(Task{Name: "slow", State: st, Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrOverlapSkip)
	assert.Equal(t, 1, st.InFlight())
	assert.EqualValues(t, 1, s.Snapshot().Skipped)

	close(release)
	require.Eventually(t, func() bool { return st.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunStateLimitAllowsParallel(t *testing.T) {
	st := NewRunState(2)
	assert.True(t, st.tryAcquire())
	assert.True(t, st.tryAcquire())
	assert.False(t, st.tryAcquire())
	st.release()
	assert.True(t, st.tryAcquire())
}

func TestTimeoutCancelsRun(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	require.NoError(t, s.Enqueue(Task{Name: "hang", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	ev := waitEvent(t, events, eventbus.TaskFailed)
	assert.Contains(t, ev.Error, "deadline exceeded")
}

func TestPanicBecomesFailure(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	require.NoError(t, s.Enqueue(Task{Name: "bad", Run: func(ctx context.Context) error { panic("oops") }}))
	ev := waitEvent(t, events, eventbus.TaskFailed)
	assert.Equal(t, "panic: oops", ev.Error)

	// The worker survives.
	require.NoError(t, s.Enqueue(Task{Name: "ok", Run: func(ctx context.Context) error { return nil }}))
	waitEvent(t, events, eventbus.TaskFinished)
}

func TestQueueFullReleasesState(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "a", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "b", Run: func(ctx context.Context) error { return nil }}))

	st := NewRunState(1)
	err := s.Enqueue(Task{Name: "c", State: st, Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 0, st.InFlight())
}

func TestEnqueueBeforeStart(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopCancelsRunsAtDeadline(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	started := make(chan struct{})
	var canceled atomic.Bool
	require.NoError(t, s.Enqueue(Task{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		canceled.Store(errors.Is(ctx.Err(), context.Canceled))
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Stop(ctx)
	assert.True(t, canceled.Load())
	assert.False(t, s.Snapshot().Running)
}

func TestMisfireGraceDropsStaleRuns(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.TaskDropped)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, MisfireGrace: 20 * time.Millisecond}, bus)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "benchmark", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	st := NewRunState(1)
	var ran atomic.Bool
	require.NoError(t, s.Enqueue(Task{ID: "late", Name: "connectivity", State: st, Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}))
	time.Sleep(60 * time.Millisecond)
	close(release)

	ev := waitEvent(t, events, eventbus.TaskDropped)
	assert.Equal(t, "late", ev.ID)
	assert.Equal(t, "misfire", ev.Reason)
	assert.GreaterOrEqual(t, ev.QueueDelay, 20*time.Millisecond)
	assert.False(t, ran.Load())
	assert.EqualValues(t, 1, s.Snapshot().DroppedMisfire)
	require.Eventually(t, func() bool { return st.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}
