package config

import (
	"reflect"
	"sort"
	"strings"

	logx "evalwatch/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (API keys, tokens, DSNs, webhook URLs)
// are reported only as "set/unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}
	if oldCfg.WorkerPool != newCfg.WorkerPool {
		changed = append(changed, "worker_pool")
		attrs = append(attrs,
			logx.Int("worker_pool.workers", newCfg.WorkerPool.Workers),
			logx.Int("worker_pool.queue_size", newCfg.WorkerPool.QueueSize),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if oldCfg.Proxy != newCfg.Proxy {
		changed = append(changed, "proxy")
		attrs = append(attrs,
			logx.String("proxy.api_url", newCfg.Proxy.APIURL),
			logx.Bool("proxy.api_key_set", newCfg.Proxy.APIKey != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		channels := make([]string, 0, len(newCfg.Alerts.Webhooks))
		for ch, url := range newCfg.Alerts.Webhooks {
			if strings.TrimSpace(url) != "" {
				channels = append(channels, ch)
			}
		}
		sort.Strings(channels)
		attrs = append(attrs, logx.Strings("alerts.channels", channels))
	}
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
	}
	if !reflect.DeepEqual(oldCfg.Benchmark, newCfg.Benchmark) {
		changed = append(changed, "benchmark")
		attrs = append(attrs, logx.Int("benchmark.datasets", len(newCfg.Benchmark.Datasets)))
	}
	if oldCfg.Fluctuation != newCfg.Fluctuation {
		changed = append(changed, "fluctuation")
		attrs = append(attrs,
			logx.String("fluctuation.policy", newCfg.Fluctuation.Policy),
			logx.Int("fluctuation.band", newCfg.Fluctuation.Band),
		)
	}
	if !reflect.DeepEqual(oldCfg.Connectivity, newCfg.Connectivity) {
		changed = append(changed, "connectivity")
	}
	if oldCfg.Quota != newCfg.Quota {
		changed = append(changed, "quota")
		attrs = append(attrs, logx.Bool("quota.dsn_set", newCfg.Quota.DSN != ""))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.admin_token_set", newCfg.HTTP.AdminToken != ""),
		)
	}
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs, logx.Bool("pprof.enabled", newCfg.Pprof.Enabled))
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "scheduler", "worker_pool", "storage", "jobs", "http", "pprof", "quota":
			out = append(out, s)
		}
	}
	return out
}
