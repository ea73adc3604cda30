package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryStopsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	retries := 0
	r := Retry{MaxAttempts: 3, Wait: time.Millisecond, Jitter: 0.5, OnRetry: func(int, error) { retries++ }}
	_, err := r.Wrap(func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errBoom
	})(context.Background())
	require.ErrorIs(t, err, errBoom)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, 2, retries)
}

func TestRetryReturnsFirstSuccess(t *testing.T) {
	var calls atomic.Int32
	out, err := Retry{MaxAttempts: 3}.Wrap(func(context.Context) (any, error) {
		if calls.Add(1) < 2 {
			return nil, errBoom
		}
		return "ok", nil
	})(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.EqualValues(t, 2, calls.Load())
}

func TestRetryStopsWhenBreakerOpen(t *testing.T) {
	cb := NewCircuitBreaker("F3", BreakerConfig{WindowSize: 2})
	var calls atomic.Int32
	fn := Retry{MaxAttempts: 3, Breaker: cb}.Wrap(func(context.Context) (any, error) {
		calls.Add(1)
		gen, _ := cb.Allow()
		cb.Record(gen, true)
		return nil, errBoom
	})
	_, err := fn(context.Background())
	require.ErrorIs(t, err, errBoom)
	require.EqualValues(t, 2, calls.Load())
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	fn := Retry{MaxAttempts: 3, Wait: time.Hour}.Wrap(func(context.Context) (any, error) {
		calls.Add(1)
		cancel()
		return nil, errBoom
	})
	_, err := fn(ctx)
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestTimeoutYieldsErrTimeout(t *testing.T) {
	fn := Timeout(20 * time.Millisecond)(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	start := time.Now()
	_, err := fn(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestTimeoutIgnoresUncooperativeCall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	fn := Timeout(10 * time.Millisecond)(func(context.Context) (any, error) {
		<-release
		return "late", nil
	})
	_, err := fn(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestTimeoutRecoversPanic(t *testing.T) {
	fn := Timeout(time.Second)(func(context.Context) (any, error) {
		panic("bad payload")
	})
	_, err := fn(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTimeout)
}

func TestBulkheadRejectsWhenFull(t *testing.T) {
	b := NewBulkhead(2)
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	fn := b.Wrap(func(context.Context) (any, error) {
		started.Done()
		<-release
		return nil, nil
	})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = fn(context.Background())
		}()
	}
	started.Wait()
	_, err := fn(context.Background())
	require.ErrorIs(t, err, ErrBulkheadFull)
	close(release)
	wg.Wait()
	_, err = fn(context.Background())
	require.NoError(t, err)
}

func TestRateLimiterRejectsBeyondPermits(t *testing.T) {
	rl := NewRateLimiter(2, time.Second, 50*time.Millisecond)
	var calls atomic.Int32
	fn := rl.Wrap(func(context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	ctx := context.Background()
	require.NoError(t, firstErr(fn(ctx)))
	require.NoError(t, firstErr(fn(ctx)))
	require.ErrorIs(t, firstErr(fn(ctx)), ErrRateLimited)
	require.EqualValues(t, 2, calls.Load())
}

func TestRateLimiterHoldsFixedPeriodBound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(2, time.Second, 5*time.Millisecond)
	rl.Now = func() time.Time { return now }
	var calls atomic.Int32
	fn := rl.Wrap(func(context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	ctx := context.Background()
	admitted := 0
	for i := 0; i < 100; i++ {
		if firstErr(fn(ctx)) == nil {
			admitted++
		}
		now = now.Add(10 * time.Millisecond)
	}
	require.Equal(t, 2, admitted, "calls spread over one period")

	// now sits at the start of the next cycle.
	require.NoError(t, firstErr(fn(ctx)))
	require.NoError(t, firstErr(fn(ctx)))
	require.ErrorIs(t, firstErr(fn(ctx)), ErrRateLimited)
	require.EqualValues(t, 4, calls.Load())
}

func TestRateLimiterWaitsForNextCycle(t *testing.T) {
	rl := NewRateLimiter(1, 30*time.Millisecond, 100*time.Millisecond)
	fn := rl.Wrap(func(context.Context) (any, error) { return nil, nil })
	ctx := context.Background()
	start := time.Now()
	require.NoError(t, firstErr(fn(ctx)))
	require.NoError(t, firstErr(fn(ctx)))
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestRateLimiterReleasesReservationOnCancel(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(1, time.Second, 2*time.Second)
	rl.Now = func() time.Time { return now }
	fn := rl.Wrap(func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, firstErr(fn(context.Background())))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, firstErr(fn(ctx)), context.Canceled)
	require.Zero(t, rl.reserved)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Decorator {
		return func(next Func) Func {
			return func(ctx context.Context) (any, error) {
				order = append(order, name)
				return next(ctx)
			}
		}
	}
	_, err := Chain(func(context.Context) (any, error) {
		order = append(order, "call")
		return nil, nil
	}, mark("outer"), nil, mark("inner"))(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner", "call"}, order)
	require.True(t, IsRejection(ErrBulkheadFull))
	require.False(t, IsRejection(errors.New("x")))
}

func firstErr(_ any, err error) error { return err }
