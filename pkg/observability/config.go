// Package observability wires the three telemetry signals for the wiseflow
// engine: OTLP traces and metrics, and structured slog logging with trace
// context injected into every record.
package observability

import (
	"log/slog"
	"strings"
)

// defaultShutdownTimeoutSec bounds the final telemetry flush.
const defaultShutdownTimeoutSec = 10

// Config parameterizes observability initialization.
type Config struct {
	// ServiceName appears on every span, metric, and log record.
	ServiceName string

	// ServiceVersion is attached to the OTel resource when set.
	ServiceVersion string

	// Environment is the deployment environment (dev, staging, prod).
	Environment string

	// OTLPEndpoint is the gRPC collector endpoint. Empty disables export;
	// no-op providers are installed with zero overhead.
	OTLPEndpoint string

	// OTLPInsecure disables TLS on the exporter connection.
	OTLPInsecure bool

	// OTLPHeaders are extra headers sent to the collector.
	OTLPHeaders map[string]string

	// SampleRatio is the trace sampling ratio; zero means always-on.
	SampleRatio float64

	// DebugTrace forces always-on sampling and logs filtered attributes.
	DebugTrace bool

	// LogLevel gates log records. A *slog.LevelVar here allows runtime
	// level changes; nil means info.
	LogLevel slog.Leveler
	LogJSON  bool

	// ShutdownTimeoutSec bounds Shutdown. Zero uses the default.
	ShutdownTimeoutSec int
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
