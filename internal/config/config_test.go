package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: Asia/Shanghai
storage:
  driver: sqlite
  dsn: ./data/evalwatch.db
proxy:
  api_url: http://litellm:4000
  api_key: sk-file
alerts:
  webhooks:
    default: https://open.feishu.cn/open-apis/bot/v2/hook/abc
jobs:
  benchmark:
    schedule: "0 0 * * *"
  connectivity:
    max_instances: 2
fluctuation:
  band: 5
http:
  enabled: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "Asia/Shanghai", cfg.Scheduler.Timezone)
	assert.Equal(t, "http://litellm:4000", cfg.Proxy.APIURL)
	assert.Equal(t, 2, cfg.Jobs.Connectivity.MaxInstances)
	assert.Nil(t, cfg.Jobs.Benchmark.Enabled)
	assert.True(t, cfg.Jobs.Benchmark.IsEnabled(true))
	assert.NoError(t, Validate(cfg))
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("config.json", []byte(`{"logging":{"level":"info"},"bogus":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode("config.json", []byte(`{"logging":{}} {"logging":{}}`))
	require.Error(t, err)
}

func TestParseAppliesEnvOverlay(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	t.Setenv("EVALWATCH_PROXY__API_KEY", "sk-env")
	t.Setenv("EVALWATCH_ALERTS__WEBHOOKS__USAGE", "https://example.com/usage")
	t.Setenv("EVALWATCH_FLUCTUATION__BAND", "7")

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.Proxy.APIKey)
	assert.Equal(t, "http://litellm:4000", cfg.Proxy.APIURL)
	assert.Equal(t, 7, cfg.Fluctuation.Band)
	assert.Equal(t, "https://example.com/usage", cfg.Alerts.Webhooks["usage"])
	assert.Equal(t, "https://open.feishu.cn/open-apis/bot/v2/hook/abc", cfg.Alerts.Webhooks["default"])
	assert.Same(t, cfg, m.Get())
}

func TestParseWithoutEnvPrefix(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	t.Setenv("EVALWATCH_PROXY__API_KEY", "sk-env")

	m := NewManager(path)
	m.SetEnvPrefix("")
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "sk-file", cfg.Proxy.APIKey)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Logging:     LoggingConfig{Level: "loud"},
		Scheduler:   SchedulerConfig{Timezone: "Mars/Olympus"},
		Storage:     StorageConfig{Driver: "mongo"},
		WorkerPool:  WorkerPoolConfig{DefaultTimeout: "soon"},
		Fluctuation: FluctuationConfig{Policy: "vibes"},
		Alerts:      AlertsConfig{Webhooks: map[string]string{"default": "ftp://x"}},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"logging.level", "scheduler.timezone", "storage.driver", "worker_pool.default_timeout", "fluctuation.policy", "alerts.webhooks.default"} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateQuotaNeedsDSN(t *testing.T) {
	on := true
	cfg := &Config{Jobs: JobsConfig{Quota: JobConfig{Enabled: &on}}}
	require.ErrorContains(t, Validate(cfg), "quota.dsn")

	cfg.Quota.DSN = "postgres://u@db/litellm"
	require.NoError(t, Validate(cfg))
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Proxy: ProxyConfig{APIURL: "http://a", APIKey: "old"}}
	newCfg := &Config{
		Proxy:     ProxyConfig{APIURL: "http://a", APIKey: "new-secret"},
		Scheduler: SchedulerConfig{Enabled: true},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"scheduler", "proxy"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"scheduler"}, RestartRequired(changed))
}

func TestDurationHelpers(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
}
