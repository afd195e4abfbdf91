package batchq

import "time"

// Clock is a monotonic time source. The producer's flush triggers and retry
// backoff go through a Clock instead of calling time.Now directly, so tests
// can substitute a ManualClock and assert timing behaviour without real
// sleeps. The scheduler's tick interval, the shutdown join timeout and the
// optional send-rate limiter run on real timers and do not use the Clock.
// This mirrors the injectable
// `now func() time.Time` the domain rate limiter uses upstream.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now, whose result
// already carries a monotonic reading on every supported platform.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
