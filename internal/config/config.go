// Package config loads runtime configuration from an optional YAML
// file with STUDYGATE_-prefixed environment overrides, and can watch
// the file for changes so reliability tunables pick up without a
// restart.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
	OpenAI   OpenAIConfig   `koanf:"openai"`
	Fallback FallbackConfig `koanf:"fallback"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Cache    CacheConfig    `koanf:"cache"`
	Recovery RecoveryConfig `koanf:"recovery"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type OpenAIConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// FallbackConfig describes the backup backend used when the primary's
// circuit is open or retries run out. An empty APIKey disables it.
type FallbackConfig struct {
	Name    string `koanf:"name"`
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

type BreakerConfig struct {
	FailureThreshold  int           `koanf:"failure_threshold"`
	ResetTimeout      time.Duration `koanf:"reset_timeout"`
	HalfOpenSuccesses int           `koanf:"half_open_successes"`
}

type CacheConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	MaxSize       int           `koanf:"max_size"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type RecoveryConfig struct {
	MaxRetryAttempts int           `koanf:"max_retry_attempts"`
	BaseDelay        time.Duration `koanf:"base_delay"`
	MaxDelay         time.Duration `koanf:"max_delay"`
	RateLimitHold    time.Duration `koanf:"rate_limit_hold"`
}

// Load reads configuration in precedence order: defaults, then the
// YAML file at path (skipped when path is empty), then environment
// variables. Double underscores separate sections so single
// underscores survive in key names: STUDYGATE_SERVER__PORT=9090 sets
// server.port, STUDYGATE_OPENAI__API_KEY sets openai.api_key.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, val := range defaults {
		k.Set(key, val)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("STUDYGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "STUDYGATE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var defaults = map[string]any{
	"server.port":                 8080,
	"server.request_timeout":      "60s",
	"log.level":                   "info",
	"log.format":                  "json",
	"openai.model":                "gpt-4o-mini",
	"breaker.failure_threshold":   3,
	"breaker.reset_timeout":       "30s",
	"breaker.half_open_successes": 1,
	"cache.ttl":                   "30m",
	"cache.max_size":              100,
	"cache.sweep_interval":        "5m",
	"recovery.max_retry_attempts": 3,
	"recovery.base_delay":         "1s",
	"recovery.max_delay":          "30s",
	"recovery.rate_limit_hold":    "30s",
}
