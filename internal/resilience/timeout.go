package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type result struct {
	out any
	err error
}

// Timeout bounds one attempt. The call keeps running in its goroutine after the
// deadline but its result is discarded; a panic in the call becomes an error.
func Timeout(d time.Duration) Decorator {
	return func(next Func) Func {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context) (any, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						done <- result{err: fmt.Errorf("supplier call panicked: %v", p)}
					}
				}()
				out, err := next(tctx)
				done <- result{out: out, err: err}
			}()

			select {
			case r := <-done:
				if r.err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					return nil, ErrTimeout
				}
				return r.out, r.err
			case <-tctx.Done():
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, ErrTimeout
			}
		}
	}
}
