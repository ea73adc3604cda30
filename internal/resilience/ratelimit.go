package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter admits at most Limit calls per fixed Period cycle. A call that finds
// the current cycle spent reserves a permit in the next cycle when that cycle starts
// within MaxWait; otherwise it is rejected without being attempted.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	period  time.Duration
	maxWait time.Duration

	origin   time.Time
	cycle    int64
	used     int
	reserved int

	Now func() time.Time
}

func NewRateLimiter(limit int, period, maxWait time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	if period <= 0 {
		period = time.Second
	}
	return &RateLimiter{limit: limit, period: period, maxWait: maxWait, Now: time.Now}
}

// reserve returns how long the caller must wait before its permit becomes valid.
func (r *RateLimiter) reserve() (time.Duration, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.Now()
	if r.origin.IsZero() {
		r.origin = now
	}
	r.advance(now)
	if r.used < r.limit {
		r.used++
		return 0, r.cycle, true
	}
	wait := r.origin.Add(time.Duration(r.cycle+1) * r.period).Sub(now)
	if wait > r.maxWait || r.reserved >= r.limit {
		return 0, 0, false
	}
	r.reserved++
	return wait, r.cycle + 1, true
}

// advance must be called with mu held.
func (r *RateLimiter) advance(now time.Time) {
	k := int64(now.Sub(r.origin) / r.period)
	switch {
	case k == r.cycle:
	case k == r.cycle+1:
		r.cycle, r.used, r.reserved = k, r.reserved, 0
	case k > r.cycle:
		r.cycle, r.used, r.reserved = k, 0, 0
	}
}

// cancel returns a reserved permit that was never used.
func (r *RateLimiter) cancel(cycle int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch cycle {
	case r.cycle + 1:
		r.reserved--
	case r.cycle:
		r.used--
	}
}

func (r *RateLimiter) Wrap(next Func) Func {
	return func(ctx context.Context) (any, error) {
		wait, cycle, ok := r.reserve()
		if !ok {
			return nil, ErrRateLimited
		}
		if wait > 0 && !sleep(ctx, wait) {
			r.cancel(cycle)
			return nil, ctx.Err()
		}
		return next(ctx)
	}
}
