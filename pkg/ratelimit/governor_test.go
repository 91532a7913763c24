package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamWiseflow/wiseflow-go/pkg/ratelimit"
)

// fakeClock steps time manually for deterministic window tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
}

func TestThrottleOnCooldown(t *testing.T) {
	t.Parallel()

	clock := newClock()
	g := ratelimit.NewGovernor(
		ratelimit.WithDefaults(60, time.Second),
		ratelimit.WithClock(clock.Now),
	)

	_, throttled := g.ShouldThrottle("example.com")
	assert.False(t, throttled)

	g.Register("example.com")

	wait, throttled := g.ShouldThrottle("example.com")
	require.True(t, throttled)
	assert.Equal(t, time.Second, wait)

	clock.Advance(1100 * time.Millisecond)

	_, throttled = g.ShouldThrottle("example.com")
	assert.False(t, throttled)
}

func TestWindowCapEnforced(t *testing.T) {
	t.Parallel()

	clock := newClock()
	g := ratelimit.NewGovernor(
		ratelimit.WithDefaults(3, 0),
		ratelimit.WithClock(clock.Now),
	)

	for range 3 {
		g.Register("api.github.com")
		clock.Advance(time.Second)
	}

	wait, throttled := g.ShouldThrottle("api.github.com")
	require.True(t, throttled)

	// Oldest hit was 3 s ago; it expires when the window rolls past it.
	assert.Equal(t, ratelimit.Window-3*time.Second, wait)

	// Exactly-at-limit: after pruning the oldest hit, one slot opens.
	clock.Advance(wait + time.Millisecond)

	_, throttled = g.ShouldThrottle("api.github.com")
	assert.False(t, throttled)

	_, _, hits := g.Snapshot("api.github.com")
	assert.Equal(t, 2, hits)
}

func TestAdaptSlowResponses(t *testing.T) {
	t.Parallel()

	g := ratelimit.NewGovernor(ratelimit.WithDefaults(60, time.Second))

	// Three consecutive 3 s responses (scenario from the design doc).
	for range 3 {
		g.Adapt("example.com", 3*time.Second, 200)
	}

	limit, cooldown, _ := g.Snapshot("example.com")
	assert.LessOrEqual(t, limit, 30)
	assert.GreaterOrEqual(t, cooldown, 1500*time.Millisecond)
}

func TestAdaptFastResponsesRelax(t *testing.T) {
	t.Parallel()

	g := ratelimit.NewGovernor(ratelimit.WithDefaults(60, time.Second))

	g.Adapt("fast.example.com", 100*time.Millisecond, 200)

	limit, cooldown, _ := g.Snapshot("fast.example.com")
	assert.Equal(t, 65, limit)
	assert.Equal(t, 900*time.Millisecond, cooldown)

	// The limit never grows past the ceiling.
	for range 20 {
		g.Adapt("fast.example.com", 100*time.Millisecond, 200)
	}

	limit, _, _ = g.Snapshot("fast.example.com")
	assert.Equal(t, 120, limit)
}

func TestAdaptRateLimited(t *testing.T) {
	t.Parallel()

	g := ratelimit.NewGovernor(ratelimit.WithDefaults(60, time.Second))

	g.Adapt("example.com", 200*time.Millisecond, 429)

	limit, cooldown, _ := g.Snapshot("example.com")
	assert.Equal(t, 20, limit)
	assert.Equal(t, 3*time.Second, cooldown)

	// Floors hold under repeated pressure.
	for range 10 {
		g.Adapt("example.com", 200*time.Millisecond, 429)
	}

	limit, cooldown, _ = g.Snapshot("example.com")
	assert.Equal(t, 3, limit)
	assert.Equal(t, 10*time.Second, cooldown)
}

func TestAdaptServerErrors(t *testing.T) {
	t.Parallel()

	g := ratelimit.NewGovernor(ratelimit.WithDefaults(60, time.Second))

	g.Adapt("example.com", 200*time.Millisecond, 503)

	limit, cooldown, _ := g.Snapshot("example.com")
	assert.Equal(t, 30, limit)
	assert.Equal(t, 2*time.Second, cooldown)
}

func TestPerKeyOverride(t *testing.T) {
	t.Parallel()

	g := ratelimit.NewGovernor(
		ratelimit.WithDefaults(60, time.Second),
		ratelimit.WithOverride("slow.example.com", 10, 5*time.Second),
	)

	limit, cooldown, _ := g.Snapshot("slow.example.com")
	assert.Equal(t, 10, limit)
	assert.Equal(t, 5*time.Second, cooldown)

	limit, _, _ = g.Snapshot("other.example.com")
	assert.Equal(t, 60, limit)
}
