package app

import (
	"fmt"
	"strings"
	"time"

	"evalwatch/internal/config"
	"evalwatch/internal/eval/benchmark"
	"evalwatch/internal/eval/connectivity"
	"evalwatch/internal/eval/fluctuation"
	"evalwatch/internal/eval/quota"
	"evalwatch/internal/httpapi"
	"evalwatch/internal/notifier"
	"evalwatch/internal/observability/pprof"
	"evalwatch/internal/storage"
	"evalwatch/internal/task/engine"
	"evalwatch/internal/task/scheduler"
	logx "evalwatch/pkg/logx"
)

const (
	JobBenchmark    = "benchmark"
	JobConnectivity = "connectivity"
	JobQuota        = "quota"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,

			// Alert sink failures would otherwise be forwarded back into it.
			ExcludeComps: []string{"notifier"},
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	dsn := strings.TrimSpace(sc.DSN)
	switch driver {
	case "", "sqlite", "sqlite3":
		if dsn == "" {
			dsn = "./data/evalwatch.db"
		}
	case "postgres", "postgresql":
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, DSN: dsn, BusyTimeout: busy, MaxOpenConns: sc.MaxOpenConn}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	wp := cfg.WorkerPool
	def, err := config.ParseDurationField("worker_pool.default_timeout", wp.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	grace, err := config.ParseDurationField("worker_pool.misfire_grace", wp.MisfireGrace)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        wp.Workers,
		QueueSize:      wp.QueueSize,
		DefaultTimeout: def,
		MisfireGrace:   grace,
		HistorySize:    wp.HistorySize,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	ac := cfg.Alerts
	timeout, err := config.ParseDurationOrDefault("alerts.timeout", ac.Timeout, 5*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("alerts.dedup_window", ac.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	hooks := make(map[string]string, len(ac.Webhooks))
	for ch, u := range ac.Webhooks {
		if u = strings.TrimSpace(u); u != "" {
			hooks[strings.ToLower(strings.TrimSpace(ch))] = u
		}
	}
	return notifier.Config{
		Webhooks:    hooks,
		Timeout:     timeout,
		RatePerSec:  ac.RatePerSec,
		DedupWindow: dedup,
	}, nil
}

func mapBenchmarkConfig(cfg *config.Config) (benchmark.Config, benchmark.Catalog, error) {
	bc := cfg.Benchmark
	timeout, err := config.ParseDurationOrDefault("benchmark.timeout", bc.Timeout, benchmark.DefaultTimeout)
	if err != nil {
		return benchmark.Config{}, nil, err
	}
	overrides := make(benchmark.Catalog, len(bc.Datasets))
	for key, ds := range bc.Datasets {
		overrides[key] = benchmark.DatasetSpec{
			Name:        ds.Name,
			Args:        ds.Args,
			Limit:       ds.Limit,
			Concurrency: ds.Concurrency,
		}
	}
	return benchmark.Config{
		APIURL:      cfg.Proxy.APIURL,
		APIKey:      cfg.Proxy.APIKey,
		Timeout:     timeout,
		Workers:     bc.Workers,
		DatasetDir:  bc.DatasetDir,
		CacheRoot:   bc.CacheRoot,
		Temperature: bc.Temperature,
	}, benchmark.DefaultCatalog().Merge(overrides), nil
}

func mapFluctuationConfig(cfg *config.Config) (fluctuation.Config, error) {
	policy, err := fluctuation.ParsePolicy(cfg.Fluctuation.Policy)
	if err != nil {
		return fluctuation.Config{}, fmt.Errorf("fluctuation.policy: %w", err)
	}
	return fluctuation.Config{Policy: policy, Band: cfg.Fluctuation.Band}, nil
}

func mapConnectivityConfig(cfg *config.Config) (connectivity.Config, error) {
	cc := cfg.Connectivity
	timeout, err := config.ParseDurationOrDefault("connectivity.timeout", cc.Timeout, connectivity.DefaultTimeout)
	if err != nil {
		return connectivity.Config{}, err
	}
	return connectivity.Config{
		APIURL:              cfg.Proxy.APIURL,
		APIKey:              cfg.Proxy.APIKey,
		HealthURL:           cc.HealthURL,
		ExtraModels:         cc.ExtraModels,
		UnsupportedPrefixes: cc.UnsupportedPrefixes,
		Timeout:             timeout,
		Concurrency:         cc.Concurrency,
	}, nil
}

func mapQuotaConfig(cfg *config.Config) quota.Config {
	return quota.Config{UsageRate: cfg.Quota.UsageRate}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// profile and trace endpoints stream for up to 30s by default
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          hc.Addr,
		AdminToken:    hc.AdminToken,
		WebhookSecret: hc.WebhookSecret,
		AllowInsecure: hc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		Pprof: pprof.Config{
			Enabled:              cfg.Pprof.Enabled,
			Prefix:               cfg.Pprof.Prefix,
			MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
			BlockProfileRate:     cfg.Pprof.BlockProfileRate,
		},
	}, nil
}

// jobSpec is a built-in job before its handler is attached.
type jobSpec struct {
	ID           string
	Trigger      scheduler.Trigger
	MaxInstances int
	Timeout      time.Duration
}

type jobDefault struct {
	id      string
	enabled bool
	trigger scheduler.Trigger
}

var jobDefaults = []jobDefault{
	{JobBenchmark, true, scheduler.Cron{Hour: "0", Minute: "0", Second: "0"}},
	{JobConnectivity, true, scheduler.Cron{Hour: "*"}},
	{JobQuota, false, scheduler.Cron{Hour: "9", Minute: "0", Second: "0"}},
}

// mapJobs resolves the enabled built-in jobs against jobs.* overrides.
func mapJobs(cfg *config.Config) ([]jobSpec, error) {
	overrides := map[string]config.JobConfig{
		JobBenchmark:    cfg.Jobs.Benchmark,
		JobConnectivity: cfg.Jobs.Connectivity,
		JobQuota:        cfg.Jobs.Quota,
	}
	var out []jobSpec
	for _, d := range jobDefaults {
		jc := overrides[d.id]
		if !jc.IsEnabled(d.enabled) {
			continue
		}
		spec := jobSpec{ID: d.id, Trigger: d.trigger, MaxInstances: max(1, jc.MaxInstances)}
		if raw := strings.TrimSpace(jc.Schedule); raw != "" {
			ps, err := scheduler.ParseSchedule(raw)
			if err != nil {
				return nil, fmt.Errorf("jobs.%s.schedule: %w", d.id, err)
			}
			spec.Trigger = ps.Trigger()
		}
		timeout, err := config.ParseDurationField("jobs."+d.id+".timeout", jc.Timeout)
		if err != nil {
			return nil, err
		}
		spec.Timeout = timeout
		out = append(out, spec)
	}
	return out, nil
}

// validate runs field checks plus the mappings that can fail, so a bad
// reload is rejected before commit.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFluctuationConfig(cfg); err != nil {
		return err
	}
	if _, err := mapJobs(cfg); err != nil {
		return err
	}
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	if hc.Enabled {
		if err := httpapi.CheckBind(hc); err != nil {
			return err
		}
	}
	return nil
}
