package config

import (
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the prefix of environment overrides.
//
// A double underscore separates nesting levels, so EVALWATCH_PROXY__API_KEY
// sets proxy.api_key and EVALWATCH_ALERTS__WEBHOOKS__USAGE sets
// alerts.webhooks.usage.
const DefaultEnvPrefix = "EVALWATCH_"

// applyEnv overlays matching environment variables onto cfg. Keys absent from
// the environment keep their file values.
func applyEnv(cfg *Config, prefix string) error {
	k := koanf.New(".")
	p := env.Provider(prefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		if s == "" {
			return ""
		}
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(p, nil); err != nil {
		return err
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	return k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"})
}
