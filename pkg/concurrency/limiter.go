// Package concurrency bounds how much setup work a worker runs at once, such
// as loading and initializing the formulations of its catchments.
package concurrency

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks limiter usage
type Metrics struct {
	Acquired int64
	Released int64
	Peak     int64
	Wait     time.Duration
}

// Limiter provides semaphore-based concurrency control with observability
type Limiter struct {
	sem      chan struct{}
	active   int64
	acquired int64
	released int64
	peak     int64
	waitNs   int64
}

// DefaultLimit is the number of usable CPUs.
func DefaultLimit() int {
	return runtime.GOMAXPROCS(0)
}

// NewLimiter creates a limiter admitting maxConcurrent holders. Values below
// one use DefaultLimit.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultLimit()
	}
	return &Limiter{sem: make(chan struct{}, maxConcurrent)}
}

// Limit returns the capacity of the limiter.
func (l *Limiter) Limit() int { return cap(l.sem) }

// Acquire blocks until a slot is free or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	atomic.AddInt64(&l.waitNs, time.Since(start).Nanoseconds())
	atomic.AddInt64(&l.acquired, 1)
	l.updatePeak(atomic.AddInt64(&l.active, 1))
	return nil
}

// Release returns a slot. Releasing more than was acquired is a no-op.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.released, 1)
	default:
	}
}

// Active returns the number of current holders
func (l *Limiter) Active() int64 {
	return atomic.LoadInt64(&l.active)
}

// Metrics returns a snapshot of the counters
func (l *Limiter) Metrics() Metrics {
	return Metrics{
		Acquired: atomic.LoadInt64(&l.acquired),
		Released: atomic.LoadInt64(&l.released),
		Peak:     atomic.LoadInt64(&l.peak),
		Wait:     time.Duration(atomic.LoadInt64(&l.waitNs)),
	}
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.peak)
		if current <= peak || atomic.CompareAndSwapInt64(&l.peak, peak, current) {
			return
		}
	}
}

// ForEach calls fn for every index in [0, n), at most Limit at a time, and
// waits for all of them. The result holds each call's error by index; an
// index whose slot could not be acquired gets ctx's error and fn is not
// called for it.
func (l *Limiter) ForEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := l.Acquire(ctx); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer l.Release()
			errs[i] = fn(ctx, i)
		}(i)
	}
	wg.Wait()
	return errs
}
