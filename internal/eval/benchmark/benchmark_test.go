package benchmark

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"evalwatch/internal/eval/fluctuation"
	"evalwatch/internal/eventbus"
	"evalwatch/internal/notifier"
	"evalwatch/internal/storage"
	logx "evalwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func (c *captureSink) Send(_ context.Context, channel, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs == nil {
		c.msgs = map[string][]string{}
	}
	c.msgs[channel] = append(c.msgs[channel], text)
}

func (c *captureSink) on(channel string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs[channel]...)
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "eval.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func goodReport(score float64) Report {
	return Report{Metrics: []Metric{{
		Name: "AverageAccuracy", Score: score, Num: 25,
		Categories: []Category{{Name: []string{"law", "default"}}},
	}}}
}

func TestTimeoutWritesSentinelAlertsAndSkipsFluctuation(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	_, err := st.CreateModel(ctx, storage.ModelRegistration{ModelID: "m1", DatasetKeys: []string{"D1"}})
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 0, 0, 1, 0, time.UTC)
	sink := &captureSink{}
	det := fluctuation.New(fluctuation.Config{}, st, sink, logx.Nop())
	catalog := Catalog{"D1": {Name: "d1", Limit: 1, Concurrency: 1}}
	slow := EvaluatorFunc(func(ctx context.Context, _ Task) (Report, error) {
		<-ctx.Done()
		return Report{}, ctx.Err()
	})

	r := New(Config{Timeout: 20 * time.Millisecond}, catalog, slow, st, sink, det, logx.Nop(), WithClock(fixedClock(now)))
	sum, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pairs)
	assert.Equal(t, 1, sum.Failed)
	assert.NotEmpty(t, sum.RunID)

	rec, err := st.GetEvaluation(ctx, "m1", "D1", storage.DayOf(now))
	require.NoError(t, err)
	assert.Equal(t, storage.FailedScore, rec.Score)
	assert.Equal(t, 0, rec.Num)
	assert.Empty(t, rec.Metric)
	assert.Empty(t, rec.Subset)

	alerts := sink.on(notifier.ChannelBenchmark)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "m1/D1")
	assert.Contains(t, alerts[0], context.DeadlineExceeded.Error())

	require.Len(t, sum.Findings, 1)
	assert.Equal(t, fluctuation.InsufficientData, sum.Findings[0].Severity)
}

func TestSuccessfulPairIsRecorded(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	_, err := st.CreateModel(ctx, storage.ModelRegistration{ModelID: "m1", DatasetKeys: []string{"MMLU_PRO_LAW", "NOPE"}})
	require.NoError(t, err)

	var got Task
	eval := EvaluatorFunc(func(_ context.Context, task Task) (Report, error) {
		got = task
		return goodReport(0.42), nil
	})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.BenchmarkRecorded)
	defer unsub()

	loc := time.FixedZone("UTC+8", 8*3600)
	now := time.Date(2026, 3, 9, 16, 30, 0, 0, time.UTC) // 2026-03-10 00:30 in UTC+8
	sink := &captureSink{}
	r := New(Config{APIURL: "http://proxy/v1", APIKey: "k", CacheRoot: "/cache"}, DefaultCatalog(), eval, st, sink, nil, logx.Nop(),
		WithClock(fixedClock(now)), WithLocation(loc), WithBus(bus))

	sum, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", sum.Day.String())
	assert.Equal(t, 1, sum.Pairs, "unknown keys are ignored")
	assert.Zero(t, sum.Failed)

	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, []string{"mmlu_pro"}, got.Datasets)
	assert.Equal(t, "service", got.EvalType)
	assert.Equal(t, 3600, got.Timeout)
	assert.Equal(t, 16, got.EvalBatchSize)
	assert.Equal(t, 25, got.Limit)
	assert.Equal(t, 1, got.JudgeWorkerNum)
	assert.True(t, got.GenerationConfig.DoSample)
	assert.Equal(t, filepath.Join("/cache", "2026-03-10"), got.UseCache)
	assert.JSONEq(t, `{"mmlu_pro":{"subset_list":["law"],"few_shot_num":3}}`, string(got.DatasetArgs))

	rec, err := st.GetEvaluation(ctx, "m1", "MMLU_PRO_LAW", sum.Day)
	require.NoError(t, err)
	assert.InDelta(t, 0.42, rec.Score, 1e-9)
	assert.Equal(t, "law,default", rec.Subset)
	assert.Equal(t, "AverageAccuracy", rec.Metric)
	assert.Empty(t, sink.on(notifier.ChannelBenchmark))

	select {
	case ev := <-events:
		assert.Equal(t, "m1", ev.Data.(storage.EvaluationRecord).ModelID)
	case <-time.After(time.Second):
		t.Fatal("no benchmark.recorded event")
	}
}

func TestEmptyReportIsAFailure(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	_, err := st.CreateModel(ctx, storage.ModelRegistration{ModelID: "m1", DatasetKeys: []string{"AIME24"}})
	require.NoError(t, err)

	sink := &captureSink{}
	eval := EvaluatorFunc(func(context.Context, Task) (Report, error) { return Report{}, nil })
	r := New(Config{}, nil, eval, st, sink, nil, logx.Nop())
	sum, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	alerts := sink.on(notifier.ChannelBenchmark)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], ErrNoMetric.Error())
}

type flakyStore struct {
	models []storage.ModelRegistration
	mu     sync.Mutex
	saved  []storage.EvaluationRecord
}

func (f *flakyStore) ActiveModels(context.Context) ([]storage.ModelRegistration, error) {
	return f.models, nil
}

func (f *flakyStore) UpsertEvaluation(_ context.Context, r storage.EvaluationRecord) error {
	if r.DatasetKey == "AIME24" {
		return errors.New("disk full")
	}
	f.mu.Lock()
	f.saved = append(f.saved, r)
	f.mu.Unlock()
	return nil
}

func TestPersistFailureDoesNotStopSiblings(t *testing.T) {
	st := &flakyStore{models: []storage.ModelRegistration{{ModelID: "m1", DatasetKeys: []string{"AIME24", "AIME25"}}}}
	eval := EvaluatorFunc(func(context.Context, Task) (Report, error) { return goodReport(0.5), nil })
	r := New(Config{}, nil, eval, st, nil, nil, logx.Nop())

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Pairs)
	require.Len(t, st.saved, 1)
	assert.Equal(t, "AIME25", st.saved[0].DatasetKey)
}

func TestModelsRunConcurrentlyWithinLimit(t *testing.T) {
	models := make([]storage.ModelRegistration, 8)
	for i := range models {
		models[i] = storage.ModelRegistration{ModelID: string(rune('a' + i)), DatasetKeys: []string{"AIME24"}}
	}
	st := &flakyStore{models: models}

	var cur, peak atomic.Int32
	eval := EvaluatorFunc(func(context.Context, Task) (Report, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return goodReport(0.5), nil
	})

	r := New(Config{Workers: 3}, nil, eval, st, nil, nil, logx.Nop())
	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, sum.Models)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestDetectorRunsAfterBarrier(t *testing.T) {
	st := &flakyStore{models: []storage.ModelRegistration{{ModelID: "m1", DatasetKeys: []string{"AIME25"}}, {ModelID: "m2", DatasetKeys: []string{"AIME25"}}}}
	var done atomic.Int32
	eval := EvaluatorFunc(func(context.Context, Task) (Report, error) {
		time.Sleep(10 * time.Millisecond)
		done.Add(1)
		return goodReport(0.5), nil
	})
	var seen int32
	var seenModels int
	det := detectorFunc(func(_ context.Context, _ storage.Day, models []storage.ModelRegistration) ([]fluctuation.Finding, error) {
		seen = done.Load()
		seenModels = len(models)
		return nil, nil
	})
	r := New(Config{}, nil, eval, st, nil, det, logx.Nop())
	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), seen)
	assert.Equal(t, 2, seenModels)
}

type detectorFunc func(ctx context.Context, day storage.Day, models []storage.ModelRegistration) ([]fluctuation.Finding, error)

func (f detectorFunc) Run(ctx context.Context, day storage.Day, models []storage.ModelRegistration) ([]fluctuation.Finding, error) {
	return f(ctx, day, models)
}

func TestCatalogMerge(t *testing.T) {
	t.Parallel()
	c := DefaultCatalog().Merge(Catalog{
		"AIME24": {Limit: 5},
		"CUSTOM": {Name: "ifeval", Args: json.RawMessage(`{"ifeval":{}}`)},
	})
	assert.Len(t, c, 8)
	assert.Equal(t, "aime24", c["AIME24"].Name)
	assert.Equal(t, 5, c["AIME24"].Limit)
	assert.Equal(t, DefaultConcurrency, c["AIME24"].Concurrency)
	assert.JSONEq(t, `{"aime24":{"few_shot_num":3}}`, string(c["AIME24"].Args))
	assert.Equal(t, DefaultLimit, c["CUSTOM"].Limit)
	assert.Equal(t, 7, len(DefaultCatalog()))
}

func TestReportFirst(t *testing.T) {
	t.Parallel()
	res, err := goodReport(0.7).First()
	require.NoError(t, err)
	assert.Equal(t, "law,default", res.Subset)
	_, err = Report{}.First()
	require.ErrorIs(t, err, ErrNoMetric)
}

func TestCommandEvaluator(t *testing.T) {
	ev := CommandEvaluator{Command: []string{"sh", "-c",
		`cat >/dev/null; echo '{"metrics":[{"name":"acc","score":0.9,"num":3,"categories":[{"name":["all"]}]}]}'`}}
	rep, err := ev.Evaluate(context.Background(), Task{Model: "m1"})
	require.NoError(t, err)
	res, err := rep.First()
	require.NoError(t, err)
	assert.InDelta(t, 0.9, res.Score, 1e-9)

	bad := CommandEvaluator{Command: []string{"sh", "-c", "echo boom >&2; exit 3"}}
	_, err = bad.Evaluate(context.Background(), Task{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "boom"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	slow := CommandEvaluator{Command: []string{"sh", "-c", "exec sleep 5"}}
	_, err = slow.Evaluate(ctx, Task{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
