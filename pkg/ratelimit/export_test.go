package ratelimit

import "time"

// WithClock exposes the clock override for tests.
func WithClock(now func() time.Time) Option {
	return withClock(now)
}
