package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter admits at most N concurrent operations. Waiters are admitted in FIFO order.
type Limiter struct {
	size     int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// NewLimiter constructs a limiter with the given budget. Budgets below one are raised to one.
func NewLimiter(size int) *Limiter {
	if size < 1 {
		size = 1
	}
	return &Limiter{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// Size returns the configured budget.
func (l *Limiter) Size() int {
	return int(l.size)
}

// InFlight returns the number of currently held slots.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Waiting returns the number of callers blocked in Acquire.
func (l *Limiter) Waiting() int {
	return int(l.waiting.Load())
}

// Acquire blocks until a slot is free or ctx is done. The returned release is idempotent.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	l.waiting.Add(1)
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return nil, fmt.Errorf("concurrency acquire: %w", err)
	}
	l.inFlight.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			l.sem.Release(1)
		})
	}, nil
}

// Submit runs op once a slot is free and releases the slot when op returns or panics.
func Submit[T any](ctx context.Context, l *Limiter, op func(context.Context) (T, error)) (T, error) {
	var zero T
	release, err := l.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer release()
	return op(ctx)
}
