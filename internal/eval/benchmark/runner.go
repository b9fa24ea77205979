// Package benchmark runs the daily quality benchmark: every registered model
// against its datasets, one sentinel record and alert per failed pair, then
// the fluctuation sweep over the same model set.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"evalwatch/internal/eval/fluctuation"
	"evalwatch/internal/eventbus"
	"evalwatch/internal/notifier"
	"evalwatch/internal/storage"
	logx "evalwatch/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers = 5
	DefaultTimeout = 3600 * time.Second
)

// Store is the persistence the runner needs.
type Store interface {
	ActiveModels(ctx context.Context) ([]storage.ModelRegistration, error)
	UpsertEvaluation(ctx context.Context, r storage.EvaluationRecord) error
}

type Sender interface {
	Send(ctx context.Context, channel, text string)
}

// Detector runs after every model finished.
type Detector interface {
	Run(ctx context.Context, day storage.Day, models []storage.ModelRegistration) ([]fluctuation.Finding, error)
}

type Config struct {
	APIURL      string
	APIKey      string
	Timeout     time.Duration // per pair
	Workers     int           // concurrent models
	DatasetDir  string
	CacheRoot   string
	Temperature float64
}

// Summary describes one completed run.
type Summary struct {
	RunID    string                `json:"run_id"`
	Day      storage.Day           `json:"day"`
	Models   int                   `json:"models"`
	Pairs    int                   `json:"pairs"`
	Failed   int                   `json:"failed"`
	Findings []fluctuation.Finding `json:"findings,omitempty"`
}

type Runner struct {
	cfg      Config
	catalog  Catalog
	eval     Evaluator
	store    Store
	sink     Sender
	detector Detector
	log      logx.Logger
	bus      eventbus.Bus
	loc      *time.Location
	now      func() time.Time
}

type Option func(*Runner)

// WithLocation sets the timezone the calendar day is taken in.
func WithLocation(loc *time.Location) Option {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

func New(cfg Config, catalog Catalog, eval Evaluator, store Store, sink Sender, det Detector, log logx.Logger, opts ...Option) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		cfg:      cfg,
		catalog:  catalog,
		eval:     eval,
		store:    store,
		sink:     sink,
		detector: det,
		log:      log,
		loc:      time.Local,
		now:      time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Execute lets the runner be registered as a scheduler job.
func (r *Runner) Execute(ctx context.Context) error {
	_, err := r.Run(ctx)
	return err
}

// Run benchmarks every active model. Pair failures are recorded, not returned;
// only a failure to load the model set fails the run.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	runID := uuid.NewString()
	day := storage.DayOf(r.now().In(r.loc))
	log := r.log.With(logx.String("run_id", runID), logx.String("day", day.String()))

	models, err := r.store.ActiveModels(ctx)
	if err != nil {
		return Summary{RunID: runID, Day: day}, fmt.Errorf("load models: %w", err)
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ModelID)
	}
	log.Info("benchmark.start", logx.Int("workers", r.cfg.Workers), logx.Strings("models", ids))

	var pairs, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, m := range models {
		g.Go(func() error {
			p, f := r.RunModel(gctx, runID, day, m.ModelID, m.DatasetKeys)
			pairs.Add(int64(p))
			failed.Add(int64(f))
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{
		RunID:  runID,
		Day:    day,
		Models: len(models),
		Pairs:  int(pairs.Load()),
		Failed: int(failed.Load()),
	}
	log.Info("benchmark.done", logx.Int("pairs", sum.Pairs), logx.Int("failed", sum.Failed))

	if r.detector != nil {
		findings, err := r.detector.Run(ctx, day, models)
		if err != nil {
			log.Error("fluctuation.failed", logx.Err(err))
		}
		sum.Findings = findings
	}
	return sum, nil
}

// RunModel evaluates one model's datasets sequentially and reports how many
// pairs ran and how many failed.
func (r *Runner) RunModel(ctx context.Context, runID string, day storage.Day, modelID string, keys []string) (int, int) {
	log := r.log.With(logx.String("run_id", runID), logx.String("model", modelID))
	known, unknown := r.catalog.Select(keys)
	if len(unknown) > 0 {
		log.Warn("benchmark.unknown_datasets", logx.Strings("keys", unknown))
	}

	failed := 0
	for _, key := range known {
		if !r.runPair(ctx, log, day, modelID, key, r.catalog[key]) {
			failed++
		}
	}
	return len(known), failed
}

func (r *Runner) runPair(ctx context.Context, log logx.Logger, day storage.Day, modelID, key string, ds DatasetSpec) bool {
	log = log.With(logx.String("dataset", key), logx.String("day", day.String()))
	log.Info("benchmark.pair_start", logx.String("dataset_name", ds.Name))
	started := time.Now()

	rec := storage.EvaluationRecord{
		ModelID:     modelID,
		DatasetKey:  key,
		DatasetName: ds.Name,
		Date:        day,
	}

	res, err := r.evaluate(ctx, r.task(modelID, day, ds))
	if err != nil {
		rec.Score = storage.FailedScore
		log.Error("benchmark.pair_failed", logx.Err(err), logx.Duration("took", time.Since(started)))
		if r.sink != nil {
			r.sink.Send(ctx, notifier.ChannelBenchmark,
				fmt.Sprintf("Error running benchmark for %s/%s on %s: %v", modelID, key, day, err))
		}
	} else {
		rec.Metric = res.Metric
		rec.Score = res.Score
		rec.Subset = res.Subset
		rec.Num = res.Num
		log.Info("benchmark.pair_done",
			logx.String("metric", res.Metric),
			logx.Float64("score", res.Score),
			logx.Int("num", res.Num),
			logx.Duration("took", time.Since(started)),
		)
	}

	if perr := r.store.UpsertEvaluation(ctx, rec); perr != nil {
		log.Error("benchmark.persist_failed", logx.Err(perr))
	} else if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.BenchmarkRecorded, Time: time.Now(), Data: rec})
	}
	return err == nil
}

func (r *Runner) evaluate(ctx context.Context, task Task) (res Result, err error) {
	if r.eval == nil {
		return Result{}, errors.New("no evaluator configured")
	}
	cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("evaluator panic: %v", p)
		}
	}()

	rep, err := r.eval.Evaluate(cctx, task)
	if err != nil {
		return Result{}, err
	}
	return rep.First()
}

func (r *Runner) task(modelID string, day storage.Day, ds DatasetSpec) Task {
	t := Task{
		Model:         modelID,
		Datasets:      []string{ds.Name},
		DatasetArgs:   ds.Args,
		EvalType:      "service",
		APIURL:        r.cfg.APIURL,
		APIKey:        r.cfg.APIKey,
		Timeout:       int(r.cfg.Timeout / time.Second),
		EvalBatchSize: ds.Concurrency,
		Limit:         ds.Limit,
		GenerationConfig: GenerationConfig{
			Temperature: r.cfg.Temperature,
			DoSample:    true,
		},
		DatasetDir:     r.cfg.DatasetDir,
		JudgeWorkerNum: 1,
	}
	if r.cfg.CacheRoot != "" {
		t.UseCache = filepath.Join(r.cfg.CacheRoot, day.String())
	}
	return t
}
