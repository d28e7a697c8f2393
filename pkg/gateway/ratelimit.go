package gateway

import (
	"math"
	"sync/atomic"
	"time"
)

// DefaultRateLimit is the minimum gap between accepted remote calls.
const DefaultRateLimit = 2 * time.Second

const neverCalled = math.MinInt64

// RateLimiter enforces a minimum interval between accepted calls.
// Allow is lock-free: the check and the update happen in one
// compare-and-swap, so concurrent sessions sharing a limiter cannot both
// be accepted inside the same interval.
type RateLimiter struct {
	interval time.Duration
	epoch    time.Time
	last     atomic.Int64 // nanoseconds since epoch of the last accepted call
}

// NewRateLimiter creates a limiter that is immediately ready.
// A non-positive interval disables limiting.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	r := &RateLimiter{interval: interval, epoch: time.Now()}
	r.last.Store(neverCalled)
	return r
}

// Allow reports whether a call at now may proceed. On acceptance the
// limiter's last call time becomes now. On rejection it returns how long
// the caller must wait.
func (r *RateLimiter) Allow(now time.Time) (bool, time.Duration) {
	at := int64(now.Sub(r.epoch))
	for {
		last := r.last.Load()
		if last != neverCalled && r.interval > 0 {
			if gap := time.Duration(at - last); gap < r.interval {
				return false, r.interval - gap
			}
		}
		if r.last.CompareAndSwap(last, at) {
			return true, 0
		}
	}
}

// Interval returns the configured minimum gap.
func (r *RateLimiter) Interval() time.Duration {
	return r.interval
}
