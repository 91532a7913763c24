// Package config provides configuration loading and validation for the
// wiseflow engine: worker pool sizing, rate limiting, fetch policy, response
// cache, per-connector settings, and the auto-shutdown policy.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = "wiseflow"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for wiseflow settings.
const envPrefix = "WISEFLOW"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Sentinel validation errors.
var (
	ErrInvalidWorkers   = errors.New("invalid worker pool bounds")
	ErrInvalidRateLimit = errors.New("rate limit per minute must be positive")
	ErrInvalidRetries   = errors.New("fetch max retries must not be negative")
	ErrInvalidThreshold = errors.New("resource threshold must be in (0, 100]")
	ErrInvalidInterval  = errors.New("interval must be positive")
)

// Config holds all configuration for the wiseflow engine.
type Config struct {
	Worker       WorkerConfig               `mapstructure:"worker"`
	RateLimit    RateLimitConfig            `mapstructure:"ratelimit"`
	Fetch        FetchConfig                `mapstructure:"fetch"`
	Cache        CacheConfig                `mapstructure:"cache"`
	Store        StoreConfig                `mapstructure:"store"`
	Connector    map[string]ConnectorConfig `mapstructure:"connector"`
	AutoShutdown AutoShutdownConfig         `mapstructure:"autoshutdown"`
	Logging      LoggingConfig              `mapstructure:"logging"`
}

// WorkerConfig clamps and paces the dynamic worker pool.
type WorkerConfig struct {
	Min             int `mapstructure:"min"`
	Max             int `mapstructure:"max"`
	AdjustIntervalS int `mapstructure:"adjust_interval_s"`
	HistoryLimit    int `mapstructure:"history_limit"`
}

// AdjustInterval returns the resize cadence as a duration.
func (w WorkerConfig) AdjustInterval() time.Duration {
	return time.Duration(w.AdjustIntervalS) * time.Second
}

// DomainLimit overrides the governor parameters for one host.
type DomainLimit struct {
	PerMinute int `mapstructure:"per_minute"`
	CooldownS int `mapstructure:"cooldown_s"`
}

// Cooldown returns the override cooldown as a duration.
func (d DomainLimit) Cooldown() time.Duration {
	return time.Duration(d.CooldownS) * time.Second
}

// RateLimitConfig holds the starting governor parameters.
type RateLimitConfig struct {
	DefaultPerMinute int                    `mapstructure:"default_per_minute"`
	DefaultCooldownS int                    `mapstructure:"default_cooldown_s"`
	PerDomain        map[string]DomainLimit `mapstructure:"per_domain"`
}

// DefaultCooldown returns the default cooldown as a duration.
func (r RateLimitConfig) DefaultCooldown() time.Duration {
	return time.Duration(r.DefaultCooldownS) * time.Second
}

// FetchConfig holds the HTTP fetch policy.
type FetchConfig struct {
	TimeoutS    int `mapstructure:"timeout_s"`
	MaxRetries  int `mapstructure:"max_retries"`
	RetryDelayS int `mapstructure:"retry_delay_s"`
}

// Timeout returns the per-request timeout as a duration.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutS) * time.Second
}

// RetryDelay returns the base retry delay as a duration.
func (f FetchConfig) RetryDelay() time.Duration {
	return time.Duration(f.RetryDelayS) * time.Second
}

// CacheConfig holds the response cache settings.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	TTLS    int    `mapstructure:"ttl_s"`
	Dir     string `mapstructure:"dir"`
}

// TTL returns the cache entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLS) * time.Second
}

// StoreConfig holds the persistent record store settings.
type StoreConfig struct {
	Dir string `mapstructure:"dir"`
}

// ConnectorConfig holds per-source-family settings.
type ConnectorConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	APIKey      string `mapstructure:"api_key"`
	APIBase     string `mapstructure:"api_base"`
}

// ThresholdsConfig holds resource-pressure percentages.
type ThresholdsConfig struct {
	CPUPct  float64 `mapstructure:"cpu_pct"`
	MemPct  float64 `mapstructure:"mem_pct"`
	DiskPct float64 `mapstructure:"disk_pct"`
}

// CompletionConfig holds the post-completion grace settings.
type CompletionConfig struct {
	WaitS int `mapstructure:"wait_s"`
}

// Wait returns the post-completion grace as a duration.
func (c CompletionConfig) Wait() time.Duration {
	return time.Duration(c.WaitS) * time.Second
}

// AutoShutdownConfig holds the auto-shutdown supervisor policy.
type AutoShutdownConfig struct {
	Enabled          bool             `mapstructure:"enabled"`
	IdleTimeoutS     int              `mapstructure:"idle_timeout_s"`
	CheckIntervalS   int              `mapstructure:"check_interval_s"`
	Thresholds       ThresholdsConfig `mapstructure:"thresholds"`
	Completion       CompletionConfig `mapstructure:"completion"`
	GracefulTimeoutS int              `mapstructure:"graceful_timeout_s"`
}

// IdleTimeout returns the idle window as a duration.
func (a AutoShutdownConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutS) * time.Second
}

// CheckInterval returns the predicate check cadence as a duration.
func (a AutoShutdownConfig) CheckInterval() time.Duration {
	return time.Duration(a.CheckIntervalS) * time.Second
}

// GracefulTimeout returns the shutdown grace window as a duration.
func (a AutoShutdownConfig) GracefulTimeout() time.Duration {
	return time.Duration(a.GracefulTimeoutS) * time.Second
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path;
// otherwise the file is searched in CWD, ./config, and $HOME. A missing
// config file is not an error; defaults apply.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.Worker.Min <= 0 || c.Worker.Max < c.Worker.Min {
		return fmt.Errorf("%w: min=%d max=%d", ErrInvalidWorkers, c.Worker.Min, c.Worker.Max)
	}

	if c.RateLimit.DefaultPerMinute <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRateLimit, c.RateLimit.DefaultPerMinute)
	}

	for domain, limit := range c.RateLimit.PerDomain {
		if limit.PerMinute <= 0 {
			return fmt.Errorf("%w: %s: %d", ErrInvalidRateLimit, domain, limit.PerMinute)
		}
	}

	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetries, c.Fetch.MaxRetries)
	}

	thresholds := map[string]float64{
		"cpu_pct":  c.AutoShutdown.Thresholds.CPUPct,
		"mem_pct":  c.AutoShutdown.Thresholds.MemPct,
		"disk_pct": c.AutoShutdown.Thresholds.DiskPct,
	}

	for name, pct := range thresholds {
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidThreshold, name, pct)
		}
	}

	if c.AutoShutdown.Enabled && c.AutoShutdown.CheckIntervalS <= 0 {
		return fmt.Errorf("%w: autoshutdown.check_interval_s", ErrInvalidInterval)
	}

	return nil
}
