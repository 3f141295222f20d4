package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitterLimiter_Wait(t *testing.T) {
	t.Run("first call does not wait", func(t *testing.T) {
		l := NewJitterLimiter(time.Second, 2*time.Second)
		start := time.Now()
		require.NoError(t, l.Wait(context.Background()))
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("second call waits at least min", func(t *testing.T) {
		l := NewJitterLimiter(30*time.Millisecond, 40*time.Millisecond)
		require.NoError(t, l.Wait(context.Background()))

		start := time.Now()
		require.NoError(t, l.Wait(context.Background()))
		assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	})

	t.Run("zero window never waits", func(t *testing.T) {
		l := NewJitterLimiter(0, 0)
		for i := 0; i < 3; i++ {
			require.NoError(t, l.Wait(context.Background()))
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		l := NewJitterLimiter(time.Minute, time.Minute)
		require.NoError(t, l.Wait(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
	})

	t.Run("inverted bounds are normalized", func(t *testing.T) {
		l := NewJitterLimiter(2*time.Second, time.Second)
		lo, hi := l.Bounds()
		assert.Equal(t, 2*time.Second, lo)
		assert.Equal(t, 2*time.Second, hi)
	})
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(100*time.Millisecond, 200*time.Millisecond)

	a.RecordBlocked()
	lo, hi := a.Bounds()
	assert.Equal(t, 200*time.Millisecond, lo)
	assert.Equal(t, 400*time.Millisecond, hi)

	a.RecordBlocked()
	lo, hi = a.Bounds()
	assert.Equal(t, 400*time.Millisecond, lo)
	assert.Equal(t, 800*time.Millisecond, hi)

	a.RecordSuccess()
	a.RecordSuccess()
	lo, _ = a.Bounds()
	assert.Equal(t, 400*time.Millisecond, lo, "streak not reached yet")

	a.RecordSuccess()
	lo, hi = a.Bounds()
	assert.Equal(t, 250*time.Millisecond, lo)
	assert.Equal(t, 500*time.Millisecond, hi)

	t.Run("ceiling", func(t *testing.T) {
		c := NewAdaptiveLimiter(40*time.Second, 50*time.Second)
		c.RecordBlocked()
		lo, hi := c.Bounds()
		assert.Equal(t, time.Minute, lo)
		assert.Equal(t, time.Minute, hi)
	})

	t.Run("zero base widens from one second", func(t *testing.T) {
		z := NewAdaptiveLimiter(0, 0)
		z.RecordBlocked()
		lo, hi := z.Bounds()
		assert.Equal(t, 2*time.Second, lo)
		assert.Equal(t, 2*time.Second, hi)
	})
}
