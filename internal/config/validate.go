package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	logx "evalwatch/pkg/logx"
)

// Validate checks field-level constraints. Schedules are validated by the app,
// which owns the trigger parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Alert.MinLevel) {
		add(fmt.Errorf("logging.alert.min_level: unknown level %q", cfg.Logging.Alert.MinLevel))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if cfg.WorkerPool.Workers < 0 {
		add(errors.New("worker_pool.workers must be >= 0"))
	}
	if cfg.WorkerPool.QueueSize < 0 {
		add(errors.New("worker_pool.queue_size must be >= 0"))
	}
	if cfg.WorkerPool.HistorySize < 0 {
		add(errors.New("worker_pool.history_size must be >= 0"))
	}
	dur("worker_pool.default_timeout", cfg.WorkerPool.DefaultTimeout)
	dur("worker_pool.misfire_grace", cfg.WorkerPool.MisfireGrace)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if u := strings.TrimSpace(cfg.Proxy.APIURL); u != "" {
		add(checkURL("proxy.api_url", u))
	}
	for ch, u := range cfg.Alerts.Webhooks {
		if strings.TrimSpace(u) != "" {
			add(checkURL("alerts.webhooks."+ch, u))
		}
	}
	dur("alerts.timeout", cfg.Alerts.Timeout)
	dur("alerts.dedup_window", cfg.Alerts.DedupWindow)
	if cfg.Alerts.RatePerSec < 0 {
		add(errors.New("alerts.rate_per_sec must be >= 0"))
	}

	for name, j := range map[string]JobConfig{
		"jobs.benchmark":    cfg.Jobs.Benchmark,
		"jobs.connectivity": cfg.Jobs.Connectivity,
		"jobs.quota":        cfg.Jobs.Quota,
	} {
		if j.MaxInstances < 0 {
			add(fmt.Errorf("%s.max_instances must be >= 0", name))
		}
		dur(name+".timeout", j.Timeout)
	}

	if cfg.Benchmark.Workers < 0 {
		add(errors.New("benchmark.workers must be >= 0"))
	}
	dur("benchmark.timeout", cfg.Benchmark.Timeout)
	for key, ds := range cfg.Benchmark.Datasets {
		if strings.TrimSpace(key) == "" {
			add(errors.New("benchmark.datasets: empty dataset key"))
		}
		if strings.TrimSpace(ds.Name) == "" {
			add(fmt.Errorf("benchmark.datasets.%s.name is required", key))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Fluctuation.Policy)) {
	case "", "signed", "relative":
	default:
		add(fmt.Errorf("fluctuation.policy: unknown policy %q", cfg.Fluctuation.Policy))
	}
	if cfg.Fluctuation.Band < 0 {
		add(errors.New("fluctuation.band must be >= 0"))
	}

	if u := strings.TrimSpace(cfg.Connectivity.HealthURL); u != "" {
		add(checkURL("connectivity.health_url", u))
	}
	dur("connectivity.timeout", cfg.Connectivity.Timeout)
	if cfg.Connectivity.Concurrency < 0 {
		add(errors.New("connectivity.concurrency must be >= 0"))
	}

	if cfg.Quota.UsageRate < 0 || cfg.Quota.UsageRate > 1000 {
		add(errors.New("quota.usage_rate must be within 0..1000"))
	}
	if cfg.Jobs.Quota.IsEnabled(false) && strings.TrimSpace(cfg.Quota.DSN) == "" {
		add(errors.New("quota.dsn is required when jobs.quota is enabled"))
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	return errors.Join(errs...)
}

func checkURL(path, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https", path)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", path)
	}
	return nil
}
