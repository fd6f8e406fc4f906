package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEachRespectsLimit(t *testing.T) {
	l := NewLimiter(2)
	assert.Equal(t, 2, l.Limit())

	var inFlight, maxSeen int64
	errs := l.ForEach(context.Background(), 8, func(_ context.Context, i int) error {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			m := atomic.LoadInt64(&maxSeen)
			if n <= m || atomic.CompareAndSwapInt64(&maxSeen, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		if i == 5 {
			return errors.New("five")
		}
		return nil
	})

	require.Len(t, errs, 8)
	for i, err := range errs {
		if i == 5 {
			assert.EqualError(t, err, "five")
		} else {
			assert.NoError(t, err)
		}
	}
	assert.LessOrEqual(t, maxSeen, int64(2))

	m := l.Metrics()
	assert.Equal(t, int64(8), m.Acquired)
	assert.Equal(t, int64(8), m.Released)
	assert.LessOrEqual(t, m.Peak, int64(2))
	assert.Zero(t, l.Active())
}

func TestAcquireHonoursContext(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)

	l.Release()
	l.Release()
	assert.Zero(t, l.Active(), "extra releases are ignored")
}

func TestForEachCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := 0
	errs := NewLimiter(1).ForEach(ctx, 3, func(context.Context, int) error {
		called++
		return nil
	})
	assert.Zero(t, called)
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestDefaultLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit(), NewLimiter(0).Limit())
	assert.Positive(t, DefaultLimit())
}
