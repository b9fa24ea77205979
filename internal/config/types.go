package config

import (
	"encoding/json"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// WorkerPool controls execution of scheduled runs.
	WorkerPool WorkerPoolConfig `json:"worker_pool,omitempty"`

	Storage StorageConfig `json:"storage"`
	Proxy   ProxyConfig   `json:"proxy"`
	Alerts  AlertsConfig  `json:"alerts"`
	Jobs    JobsConfig    `json:"jobs"`

	Benchmark    BenchmarkConfig    `json:"benchmark"`
	Fluctuation  FluctuationConfig  `json:"fluctuation"`
	Connectivity ConnectivityConfig `json:"connectivity"`
	Quota        QuotaConfig        `json:"quota,omitempty"`

	HTTP  HTTPConfig  `json:"http"`
	Pprof PprofConfig `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Alert   LoggingForward `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward forwards high-severity log records to the alert webhook.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls triggering.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name; cron triggers and calendar days use it.
	Timezone string `json:"timezone,omitempty"`
	// PersistState stores paused flags in the database.
	PersistState bool `json:"persist_state,omitempty"`
}

// WorkerPoolConfig controls the shared pool that executes job runs.
//
// Defaults: workers 20, queue_size 64, default_timeout "0s" (none),
// misfire_grace "0s" (never drop), history_size 200.
type WorkerPoolConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MisfireGrace   string `json:"misfire_grace,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig selects the score store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./data/evalwatch.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://user:pass@db/evalwatch?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	MaxOpenConn int    `json:"max_open_conns,omitempty"`
}

// ProxyConfig points at the OpenAI-compatible LLM proxy under test.
type ProxyConfig struct {
	APIURL string `json:"api_url"`
	APIKey string `json:"api_key"`
}

// AlertsConfig configures the Feishu webhook sink.
type AlertsConfig struct {
	// Webhooks maps channel name (default, benchmark, fluctuation,
	// connectivity, usage) to a webhook URL.
	Webhooks    map[string]string `json:"webhooks"`
	Timeout     string            `json:"timeout,omitempty"`
	RatePerSec  int               `json:"rate_per_sec,omitempty"`
	DedupWindow string            `json:"dedup_window,omitempty"`
}

// JobConfig overrides a built-in job registration.
type JobConfig struct {
	// Enabled is a pointer so "omitted" keeps the job's default.
	Enabled      *bool  `json:"enabled,omitempty"`
	Schedule     string `json:"schedule,omitempty"`
	MaxInstances int    `json:"max_instances,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

type JobsConfig struct {
	Benchmark    JobConfig `json:"benchmark"`
	Connectivity JobConfig `json:"connectivity"`
	Quota        JobConfig `json:"quota,omitempty"`
}

// DatasetConfig adds or overrides a benchmark catalog entry.
type DatasetConfig struct {
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Limit       int             `json:"limit,omitempty"`
	Concurrency int             `json:"concurrency,omitempty"`
}

type BenchmarkConfig struct {
	// Command runs the evaluation bridge; task JSON on stdin, report JSON on stdout.
	Command     []string                 `json:"command,omitempty"`
	Workers     int                      `json:"workers,omitempty"`
	Timeout     string                   `json:"timeout,omitempty"`
	DatasetDir  string                   `json:"dataset_dir,omitempty"`
	CacheRoot   string                   `json:"cache_root,omitempty"`
	Temperature float64                  `json:"temperature,omitempty"`
	Datasets    map[string]DatasetConfig `json:"datasets,omitempty"`
}

type FluctuationConfig struct {
	// Policy is "signed" (default) or "relative".
	Policy string `json:"policy,omitempty"`
	Band   int    `json:"band,omitempty"`
}

type ConnectivityConfig struct {
	HealthURL           string   `json:"health_url,omitempty"`
	ExtraModels         []string `json:"extra_models,omitempty"`
	UnsupportedPrefixes []string `json:"unsupported_prefixes,omitempty"`
	Timeout             string   `json:"timeout,omitempty"`
	Concurrency         int      `json:"concurrency,omitempty"`
}

// QuotaConfig points at the proxy's own database (LiteLLM user table).
type QuotaConfig struct {
	DSN       string  `json:"dsn,omitempty"`
	UsageRate float64 `json:"usage_rate,omitempty"` // percent, e.g. 80
}

// HTTPConfig controls the control-surface server.
//
// Security note: binding a non-loopback address requires admin_token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`        // default "127.0.0.1:8080"
	AdminToken    string `json:"admin_token,omitempty"` // do not log
	WebhookSecret string `json:"webhook_secret,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// PprofConfig mounts net/http/pprof on the control-surface server (admin only).
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"` // default "/debug/pprof/"

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// IsEnabled resolves the optional flag against the job default.
func (j JobConfig) IsEnabled(def bool) bool {
	if j.Enabled == nil {
		return def
	}
	return *j.Enabled
}
