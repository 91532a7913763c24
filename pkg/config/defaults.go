package config

import "github.com/spf13/viper"

// Worker pool defaults.
const (
	DefaultWorkerMin          = 2
	DefaultWorkerMax          = 16
	DefaultAdjustIntervalS    = 10
	DefaultWorkerHistoryLimit = 1000
)

// Rate limiting defaults.
const (
	DefaultPerMinute = 60
	DefaultCooldownS = 60
)

// Fetch policy defaults.
const (
	DefaultFetchTimeoutS    = 30
	DefaultFetchMaxRetries  = 3
	DefaultFetchRetryDelayS = 1
)

// Response cache defaults.
const (
	DefaultCacheEnabled = true
	DefaultCacheTTLS    = 300
	DefaultCacheDir     = "./cache"
)

// Record store defaults.
const DefaultStoreDir = "./data"

// Auto-shutdown defaults.
const (
	DefaultAutoShutdownEnabled = false
	DefaultIdleTimeoutS        = 1800
	DefaultCheckIntervalS      = 10
	DefaultCPUThresholdPct     = 90
	DefaultMemThresholdPct     = 90
	DefaultDiskThresholdPct    = 95
	DefaultCompletionWaitS     = 5
	DefaultGracefulTimeoutS    = 10
)

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	// Worker defaults.
	viperCfg.SetDefault("worker.min", DefaultWorkerMin)
	viperCfg.SetDefault("worker.max", DefaultWorkerMax)
	viperCfg.SetDefault("worker.adjust_interval_s", DefaultAdjustIntervalS)
	viperCfg.SetDefault("worker.history_limit", DefaultWorkerHistoryLimit)

	// Rate limit defaults.
	viperCfg.SetDefault("ratelimit.default_per_minute", DefaultPerMinute)
	viperCfg.SetDefault("ratelimit.default_cooldown_s", DefaultCooldownS)

	// Fetch defaults.
	viperCfg.SetDefault("fetch.timeout_s", DefaultFetchTimeoutS)
	viperCfg.SetDefault("fetch.max_retries", DefaultFetchMaxRetries)
	viperCfg.SetDefault("fetch.retry_delay_s", DefaultFetchRetryDelayS)

	// Cache defaults.
	viperCfg.SetDefault("cache.enabled", DefaultCacheEnabled)
	viperCfg.SetDefault("cache.ttl_s", DefaultCacheTTLS)
	viperCfg.SetDefault("cache.dir", DefaultCacheDir)

	// Store defaults.
	viperCfg.SetDefault("store.dir", DefaultStoreDir)

	// Auto-shutdown defaults.
	viperCfg.SetDefault("autoshutdown.enabled", DefaultAutoShutdownEnabled)
	viperCfg.SetDefault("autoshutdown.idle_timeout_s", DefaultIdleTimeoutS)
	viperCfg.SetDefault("autoshutdown.check_interval_s", DefaultCheckIntervalS)
	viperCfg.SetDefault("autoshutdown.thresholds.cpu_pct", DefaultCPUThresholdPct)
	viperCfg.SetDefault("autoshutdown.thresholds.mem_pct", DefaultMemThresholdPct)
	viperCfg.SetDefault("autoshutdown.thresholds.disk_pct", DefaultDiskThresholdPct)
	viperCfg.SetDefault("autoshutdown.completion.wait_s", DefaultCompletionWaitS)
	viperCfg.SetDefault("autoshutdown.graceful_timeout_s", DefaultGracefulTimeoutS)

	// Logging defaults.
	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "json")
	viperCfg.SetDefault("logging.output", "stdout")
}
