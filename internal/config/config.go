// Package config loads the scheduler's tuning knobs (spec.md §6) with
// spf13/viper, grounded on citadel-agent/backend's config layer: YAML file
// + environment variables (FLOWD_ prefix), with env > file > default
// precedence. No command-line flags are bound to these keys.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tuning knob spec.md §6 enumerates.
type Config struct {
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	WorkerPoolSize       int           `mapstructure:"worker_pool_size"`
	DefaultAttemptTimeout time.Duration `mapstructure:"default_attempt_timeout"`
	MaxAttemptsPerNode   int           `mapstructure:"max_attempts_per_node"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffCap           time.Duration `mapstructure:"backoff_cap"`

	StoreDriver string `mapstructure:"store_driver"` // sqlite | mysql | postgres
	StoreDSN    string `mapstructure:"store_dsn"`

	QueueDepth int `mapstructure:"queue_depth"`

	RedisAddr string `mapstructure:"redis_addr"` // empty disables the distributed bus
}

func defaults() Config {
	return Config{
		SweepInterval:         10 * time.Second,
		WorkerPoolSize:        8,
		DefaultAttemptTimeout: 30 * time.Second,
		MaxAttemptsPerNode:    5,
		BackoffBase:           500 * time.Millisecond,
		BackoffCap:            30 * time.Second,
		StoreDriver:           "sqlite",
		StoreDSN:              "./flowgraph.db",
		QueueDepth:            256,
	}
}

// Load reads configFile (if non-empty) overlaid with FLOWD_-prefixed
// environment variables, falling back to defaults() for anything unset.
func Load(configFile string) (Config, error) {
	v := viper.New()
	d := defaults()

	v.SetDefault("sweep_interval", d.SweepInterval)
	v.SetDefault("worker_pool_size", d.WorkerPoolSize)
	v.SetDefault("default_attempt_timeout", d.DefaultAttemptTimeout)
	v.SetDefault("max_attempts_per_node", d.MaxAttemptsPerNode)
	v.SetDefault("backoff_base", d.BackoffBase)
	v.SetDefault("backoff_cap", d.BackoffCap)
	v.SetDefault("store_driver", d.StoreDriver)
	v.SetDefault("store_dsn", d.StoreDSN)
	v.SetDefault("queue_depth", d.QueueDepth)
	v.SetDefault("redis_addr", d.RedisAddr)

	v.SetEnvPrefix("FLOWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
