package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewLimiter(3)
	var current, peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Submit(context.Background(), l, func(context.Context) (struct{}, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return struct{}{}, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(3))
	require.Equal(t, 0, l.InFlight())
}

func TestLimiterReleasesOnFailure(t *testing.T) {
	l := NewLimiter(1)
	boom := errors.New("boom")

	_, err := Submit(context.Background(), l, func(context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, l.InFlight())

	v, err := Submit(context.Background(), l, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestLimiterReleasesOnPanic(t *testing.T) {
	l := NewLimiter(1)

	require.Panics(t, func() {
		_, _ = Submit(context.Background(), l, func(context.Context) (int, error) {
			panic("op failed")
		})
	})
	require.Equal(t, 0, l.InFlight())
}

func TestLimiterFIFO(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewLimiter(1)
	hold, err := l.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			release()
		}(i)
		// let waiter i enqueue before the next one
		require.Eventually(t, func() bool { return l.Waiting() == i+1 }, time.Second, time.Millisecond)
		time.Sleep(2 * time.Millisecond)
	}

	hold()
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLimiterAcquireHonoursContext(t *testing.T) {
	l := NewLimiter(1)
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := NewLimiter(2)
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release()
	require.Equal(t, 0, l.InFlight())
	require.Equal(t, 2, l.Size())
}
