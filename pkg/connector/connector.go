// Package connector defines the contract every source family implements and
// the shared harness around it: retry with exponential backoff, status
// snapshots with secret redaction, and a registry keyed by source family.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/TeamWiseflow/wiseflow-go/pkg/item"
)

// Params carries the source-specific collection parameters.
type Params map[string]any

// String returns the string value for key, or fallback.
func (p Params) String(key, fallback string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}

	return fallback
}

// Int returns the integer value for key, or fallback. JSON decoding yields
// float64, so both forms are accepted.
func (p Params) Int(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Strings returns the string-slice value for key, accepting []string and
// []any forms.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))

		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

// Status is a point-in-time snapshot of a connector.
type Status struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	LastRun    time.Time      `json:"last_run"`
	ErrorCount int            `json:"error_count"`
	Enabled    bool           `json:"enabled"`
	Config     map[string]any `json:"config"`
}

// Connector collects records from one source family.
type Connector interface {
	// Name identifies this connector instance.
	Name() string

	// Type is the source family (web, github, academic, youtube, code_search).
	Type() string

	// Initialize prepares the connector for collection.
	Initialize(ctx context.Context) error

	// Shutdown releases connector resources.
	Shutdown(ctx context.Context) error

	// Collect gathers records for the given parameters.
	Collect(ctx context.Context, params Params) ([]*item.DataItem, error)

	// Status returns the current snapshot with redacted configuration.
	Status() Status
}

// secretKeySubstrings marks configuration keys that are never exposed in a
// status snapshot, whatever the connector's allow-list says.
var secretKeySubstrings = []string{"api_key", "token", "password", "secret"}

// baseSafeKeys is the allow-list shared by all connectors; connectors extend
// it with SafeKeys.
var baseSafeKeys = []string{
	"api_base", "concurrency", "enabled", "max_retries", "retry_delay", "timeout",
}

// Base carries the shared connector state and the retry harness. Embed it and
// call CollectWithRetry from the concrete Collect.
type Base struct {
	mu sync.Mutex

	name    string
	family  string
	config  map[string]any
	enabled bool

	maxRetries int
	retryDelay time.Duration

	// safeKeys extends the base allow-list for this connector's status.
	safeKeys []string

	lastRun    time.Time
	errorCount int

	logger *slog.Logger
}

// BaseConfig parameterizes a Base.
type BaseConfig struct {
	Name       string
	Family     string
	Config     map[string]any
	MaxRetries int
	RetryDelay time.Duration

	// SafeKeys lists additional non-sensitive config keys for Status.
	SafeKeys []string

	Logger *slog.Logger
}

// Default retry parameters for connectors.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// NewBase creates the shared connector state.
func NewBase(cfg BaseConfig) *Base {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}

	return &Base{
		name:       cfg.Name,
		family:     cfg.Family,
		config:     cfg.Config,
		enabled:    true,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		safeKeys:   cfg.SafeKeys,
		logger:     lg,
	}
}

// Name returns the connector instance name.
func (b *Base) Name() string { return b.name }

// Type returns the source family.
func (b *Base) Type() string { return b.family }

// Logger returns the connector logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// SetEnabled toggles the connector.
func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.enabled = enabled
}

// Enabled reports whether the connector accepts work.
func (b *Base) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.enabled
}

// ErrorCount returns the accumulated retry error count.
func (b *Base) ErrorCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.errorCount
}

// Status implements the Connector status snapshot with config filtered
// through the allow-list and secret keys redacted.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		Name:       b.name,
		Type:       b.family,
		LastRun:    b.lastRun,
		ErrorCount: b.errorCount,
		Enabled:    b.enabled,
		Config:     b.safeConfig(),
	}
}

// safeConfig filters config through the allow-list. Caller must hold the lock.
func (b *Base) safeConfig() map[string]any {
	allowed := make(map[string]bool, len(baseSafeKeys)+len(b.safeKeys))

	for _, key := range baseSafeKeys {
		allowed[key] = true
	}

	for _, key := range b.safeKeys {
		allowed[key] = true
	}

	out := make(map[string]any)

	for key, value := range b.config {
		if !allowed[key] || isSecretKey(key) {
			continue
		}

		out[key] = value
	}

	return out
}

// isSecretKey reports whether a config key looks like a credential.
func isSecretKey(key string) bool {
	lower := strings.ToLower(key)

	for _, s := range secretKeySubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}

	return false
}

// CollectFunc performs one collection attempt.
type CollectFunc func(ctx context.Context, params Params) ([]*item.DataItem, error)

// CollectWithRetry runs collect with at most maxRetries attempts; the delay
// before attempt k+1 is retryDelay·2^k. Each failed attempt increments the
// error count; the last observed error is preserved on final failure.
func (b *Base) CollectWithRetry(ctx context.Context, params Params, collect CollectFunc) ([]*item.DataItem, error) {
	var lastErr error

	for attempt := range b.maxRetries {
		if attempt > 0 {
			delay := b.retryDelay * (1 << (attempt - 1))

			waitErr := sleepCtx(ctx, delay)
			if waitErr != nil {
				return nil, fmt.Errorf("collect cancelled: %w", waitErr)
			}
		}

		results, err := collect(ctx, params)
		if err == nil {
			b.mu.Lock()
			b.lastRun = time.Now()
			b.mu.Unlock()

			return results, nil
		}

		lastErr = err

		b.mu.Lock()
		b.errorCount++
		b.mu.Unlock()

		b.logger.Warn("collection attempt failed",
			slog.String("connector", b.name),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", b.maxRetries),
			slog.String("error", err.Error()),
		)
	}

	b.logger.Error("collection failed after retries",
		slog.String("connector", b.name),
		slog.Int("attempts", b.maxRetries),
		slog.String("error", lastErr.Error()),
	)

	return nil, fmt.Errorf("collect after %d attempts: %w", b.maxRetries, lastErr)
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // cancellation passes through
	case <-timer.C:
		return nil
	}
}

// ErrUnknownFamily is returned when no factory is registered for a family.
var ErrUnknownFamily = errors.New("unknown connector family")

// Factory builds a connector from its configuration.
type Factory func(config map[string]any) (Connector, error)

// Registry maps source families to connector factories. The host inserts a
// factory per family at startup.
type Registry struct {
	mu sync.RWMutex

	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs the factory for a source family, replacing any previous
// registration.
func (r *Registry) Register(family string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[family] = factory
}

// Build creates a connector for the family.
func (r *Registry) Build(family string, config map[string]any) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[family]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}

	return factory(config)
}

// Families lists the registered source families.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for family := range r.factories {
		out = append(out, family)
	}

	return out
}
