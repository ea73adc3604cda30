package resilience

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Bulkhead caps in-flight calls; a call that finds no free slot is rejected without waiting.
type Bulkhead struct {
	sem *semaphore.Weighted
	max int64
}

func NewBulkhead(maxConcurrent int) *Bulkhead {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Bulkhead{sem: semaphore.NewWeighted(int64(maxConcurrent)), max: int64(maxConcurrent)}
}

func (b *Bulkhead) Capacity() int64 { return b.max }

func (b *Bulkhead) Wrap(next Func) Func {
	return func(ctx context.Context) (any, error) {
		if !b.sem.TryAcquire(1) {
			return nil, ErrBulkheadFull
		}
		defer b.sem.Release(1)
		return next(ctx)
	}
}
