// Package resilience provides decorators composed around a single supplier call.
// The gateway order is rate limit, circuit breaker, retry, bulkhead, timeout, call.
package resilience

import (
	"context"
	"errors"
)

var (
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrCircuitOpen  = errors.New("circuit breaker open")
	ErrBulkheadFull = errors.New("bulkhead full")
	ErrTimeout      = errors.New("call timed out")
)

// Func is one attempt at a downstream call.
type Func func(ctx context.Context) (any, error)

type Decorator func(Func) Func

// Chain applies decorators so that the first one listed is the outermost.
func Chain(call Func, decorators ...Decorator) Func {
	for i := len(decorators) - 1; i >= 0; i-- {
		if decorators[i] != nil {
			call = decorators[i](call)
		}
	}
	return call
}

// IsRejection reports whether err came from a guard rather than the call itself.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrBulkheadFull)
}
