// Package ratelimit implements per-key request admission with a 60-second
// sliding window, a per-key cooldown, and adaptation based on observed
// response latency and status codes.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Window is the sliding admission window.
const Window = time.Minute

// Default budget parameters.
const (
	DefaultPerMinute = 60
	DefaultCooldown  = time.Second
)

// Adaptation bounds and factors, applied by Adapt.
const (
	slowLatency = 2 * time.Second
	fastLatency = 500 * time.Millisecond

	minLimitSlow  = 5
	minLimitRate  = 3
	minLimitError = 10
	maxLimit      = 120

	limitGrowth = 5

	maxCooldownSlow  = 5 * time.Second
	maxCooldownRate  = 10 * time.Second
	maxCooldownError = 5 * time.Second
	minCooldown      = 500 * time.Millisecond

	cooldownGrowSlow  = 1.5
	cooldownShrink    = 0.9
	cooldownGrowRate  = 3.0
	cooldownGrowError = 2.0

	statusTooManyRequests = 429
	statusServerError     = 500
)

// Budget is the admission state for one key.
type Budget struct {
	// LimitPerMinute caps admissions inside the sliding window.
	LimitPerMinute int

	// Cooldown is the minimum spacing enforced after each admission.
	Cooldown time.Duration

	hits    []time.Time
	lastHit time.Time
}

// Governor tracks a Budget per key. All state updates for one key are
// serialized under the governor lock.
type Governor struct {
	mu sync.Mutex

	defaults  Budget
	overrides map[string]Budget
	budgets   map[string]*Budget
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithDefaults sets the starting limit and cooldown for new keys.
func WithDefaults(perMinute int, cooldown time.Duration) Option {
	return func(g *Governor) {
		g.defaults = Budget{LimitPerMinute: perMinute, Cooldown: cooldown}
	}
}

// WithOverride sets a per-key starting budget, typically per host.
func WithOverride(key string, perMinute int, cooldown time.Duration) Option {
	return func(g *Governor) {
		g.overrides[key] = Budget{LimitPerMinute: perMinute, Cooldown: cooldown}
	}
}

// WithLogger sets the logger used for adaptation events.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) {
		g.logger = logger
	}
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

// NewGovernor creates a Governor with the given options.
func NewGovernor(opts ...Option) *Governor {
	g := &Governor{
		defaults:  Budget{LimitPerMinute: DefaultPerMinute, Cooldown: DefaultCooldown},
		overrides: make(map[string]Budget),
		budgets:   make(map[string]*Budget),
		logger:    slog.Default(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// budget returns the state for key, creating it from the override or default
// budget on first use. Caller must hold the lock.
func (g *Governor) budget(key string) *Budget {
	b, ok := g.budgets[key]
	if ok {
		return b
	}

	seed := g.defaults
	if override, hasOverride := g.overrides[key]; hasOverride {
		seed = override
	}

	b = &Budget{LimitPerMinute: seed.LimitPerMinute, Cooldown: seed.Cooldown}
	g.budgets[key] = b

	return b
}

// prune drops hits older than the sliding window. Caller must hold the lock.
func (b *Budget) prune(now time.Time) {
	cutoff := now.Add(-Window)

	kept := b.hits[:0]
	for _, hit := range b.hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}

	b.hits = kept
}

// ShouldThrottle reports whether a request for key must wait, and for how
// long. A wait is required either when the window is full (until the oldest
// hit expires, floored by the cooldown) or when the cooldown since the last
// hit has not elapsed.
func (g *Governor) ShouldThrottle(key string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	b := g.budget(key)
	b.prune(now)

	if len(b.hits) >= b.LimitPerMinute {
		wait := b.hits[0].Add(Window).Sub(now)
		if wait < b.Cooldown {
			wait = b.Cooldown
		}

		return wait, true
	}

	if !b.lastHit.IsZero() {
		since := now.Sub(b.lastHit)
		if since < b.Cooldown {
			return b.Cooldown - since, true
		}
	}

	return 0, false
}

// Register records an admission for key and prunes expired hits.
func (g *Governor) Register(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	b := g.budget(key)
	b.prune(now)

	b.hits = append(b.hits, now)
	b.lastHit = now
}

// Adapt adjusts the budget for key from an observed response: slow responses
// and error statuses shrink the limit and stretch the cooldown; fast
// responses relax both.
func (g *Governor) Adapt(key string, latency time.Duration, status int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := g.budget(key)
	before := *b

	switch {
	case status == statusTooManyRequests:
		b.LimitPerMinute = max(minLimitRate, b.LimitPerMinute/3)
		b.Cooldown = minDuration(maxCooldownRate, scale(b.Cooldown, cooldownGrowRate))
	case status >= statusServerError:
		b.LimitPerMinute = max(minLimitError, b.LimitPerMinute/2)
		b.Cooldown = minDuration(maxCooldownError, scale(b.Cooldown, cooldownGrowError))
	case latency > slowLatency:
		b.LimitPerMinute = max(minLimitSlow, b.LimitPerMinute/2)
		b.Cooldown = minDuration(maxCooldownSlow, scale(b.Cooldown, cooldownGrowSlow))
	case latency < fastLatency:
		b.LimitPerMinute = min(maxLimit, b.LimitPerMinute+limitGrowth)
		b.Cooldown = maxDuration(minCooldown, scale(b.Cooldown, cooldownShrink))
	}

	if b.LimitPerMinute != before.LimitPerMinute || b.Cooldown != before.Cooldown {
		g.logger.Debug("rate budget adapted",
			slog.String("key", key),
			slog.Int("limit", b.LimitPerMinute),
			slog.Duration("cooldown", b.Cooldown),
			slog.Duration("latency", latency),
			slog.Int("status", status),
		)
	}
}

// Snapshot returns the current limit, cooldown and in-window hit count for key.
func (g *Governor) Snapshot(key string) (limit int, cooldown time.Duration, hits int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := g.budget(key)
	b.prune(g.now())

	return b.LimitPerMinute, b.Cooldown, len(b.hits)
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}

	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}

	return b
}
