package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"evalwatch/internal/config"
	"evalwatch/internal/eval/benchmark"
	"evalwatch/internal/eval/connectivity"
	"evalwatch/internal/eval/fluctuation"
	"evalwatch/internal/eval/quota"
	"evalwatch/internal/eventbus"
	"evalwatch/internal/notifier"
	"evalwatch/internal/storage"
	"evalwatch/internal/task/scheduler"
	logx "evalwatch/pkg/logx"
)

// components holds the job workers built from the live config sections.
// Job handlers resolve the current instance on every run, so a reload swaps
// them without touching scheduler registrations.
type components struct {
	log    logx.Logger
	bus    eventbus.Bus
	store  *storage.Store
	alerts *notifier.Service
	loc    *time.Location
	quota  quota.Source

	mu       sync.RWMutex
	runner   *benchmark.Runner
	detector *fluctuation.Detector
	checker  *connectivity.Checker
	watcher  *quota.Watcher
}

// build replaces every worker from cfg. Nothing is swapped when a mapping fails.
func (c *components) build(cfg *config.Config) error {
	fcfg, err := mapFluctuationConfig(cfg)
	if err != nil {
		return err
	}
	bcfg, catalog, err := mapBenchmarkConfig(cfg)
	if err != nil {
		return err
	}
	ccfg, err := mapConnectivityConfig(cfg)
	if err != nil {
		return err
	}

	det := fluctuation.New(fcfg, c.store, c.alerts, c.log.With(logx.String("comp", "fluctuation")))

	var eval benchmark.Evaluator = benchmark.CommandEvaluator{Command: cfg.Benchmark.Command}
	runner := benchmark.New(bcfg, catalog, eval, c.store, c.alerts, det,
		c.log.With(logx.String("comp", "benchmark")),
		benchmark.WithLocation(c.loc),
		benchmark.WithBus(c.bus),
	)
	checker := connectivity.New(ccfg, c.store, c.alerts, c.log.With(logx.String("comp", "connectivity")), c.bus)

	var watcher *quota.Watcher
	if c.quota != nil {
		watcher = quota.New(mapQuotaConfig(cfg), c.quota, c.alerts, c.log.With(logx.String("comp", "quota")))
	}

	c.mu.Lock()
	c.runner, c.detector, c.checker, c.watcher = runner, det, checker, watcher
	c.mu.Unlock()
	return nil
}

func (c *components) Runner() *benchmark.Runner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runner
}

func (c *components) Checker() *connectivity.Checker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checker
}

func (c *components) Watcher() *quota.Watcher {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watcher
}

var errNoQuotaSource = errors.New("quota: proxy database not configured")

// handler returns the job body for a built-in job id.
func (c *components) handler(id string) scheduler.Handler {
	switch id {
	case JobBenchmark:
		return scheduler.HandlerFunc(func(ctx context.Context) error { return c.Runner().Execute(ctx) })
	case JobConnectivity:
		return scheduler.HandlerFunc(func(ctx context.Context) error { return c.Checker().Execute(ctx) })
	case JobQuota:
		return scheduler.HandlerFunc(func(ctx context.Context) error {
			w := c.Watcher()
			if w == nil {
				return errNoQuotaSource
			}
			return w.Execute(ctx)
		})
	default:
		return nil
	}
}
