package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

type Retry struct {
	// MaxAttempts counts the first call.
	MaxAttempts int
	Wait        time.Duration
	// Jitter spreads each wait uniformly over Wait*(1±Jitter).
	Jitter float64
	// Breaker, when set, stops retrying once it reports OPEN.
	Breaker *CircuitBreaker
	OnRetry func(attempt int, err error)
}

func (r Retry) Wrap(next Func) Func {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return func(ctx context.Context) (any, error) {
		var lastErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			out, err := next(ctx)
			if err == nil {
				return out, nil
			}
			lastErr = err
			if attempt == attempts || ctx.Err() != nil {
				break
			}
			if r.Breaker != nil && r.Breaker.State() == StateOpen {
				break
			}
			if r.OnRetry != nil {
				r.OnRetry(attempt, err)
			}
			if !sleep(ctx, r.backoff()) {
				break
			}
		}
		return nil, lastErr
	}
}

func (r Retry) backoff() time.Duration {
	if r.Wait <= 0 || r.Jitter <= 0 {
		return r.Wait
	}
	spread := float64(r.Wait) * r.Jitter
	return time.Duration(float64(r.Wait) - spread + rand.Float64()*2*spread)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
