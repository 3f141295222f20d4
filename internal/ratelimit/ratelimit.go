package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RateLimiter paces successive page requests.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// JitterLimiter waits a random delay in [min, max] since the previous action.
type JitterLimiter struct {
	mu         sync.Mutex
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	rng        *rand.Rand
}

func NewJitterLimiter(minDelay, maxDelay time.Duration) *JitterLimiter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &JitterLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *JitterLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	var wait time.Duration
	if !l.lastAction.IsZero() {
		wait = l.delay() - time.Since(l.lastAction)
	}
	l.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	l.mu.Lock()
	l.lastAction = time.Now()
	l.mu.Unlock()
	return nil
}

// Bounds returns the current delay window.
func (l *JitterLimiter) Bounds() (time.Duration, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minDelay, l.maxDelay
}

// delay must be called with mu held.
func (l *JitterLimiter) delay() time.Duration {
	if l.maxDelay <= l.minDelay {
		return l.minDelay
	}
	return l.minDelay + time.Duration(l.rng.Int63n(int64(l.maxDelay-l.minDelay)))
}

// AdaptiveLimiter widens the delay window after blocked pages and relaxes it
// back toward the configured window after a streak of clean pages.
type AdaptiveLimiter struct {
	*JitterLimiter
	baseMin       time.Duration
	baseMax       time.Duration
	ceiling       time.Duration
	cleanStreak   int
	relaxAfter    int
	backoffFactor float64
}

func NewAdaptiveLimiter(minDelay, maxDelay time.Duration) *AdaptiveLimiter {
	j := NewJitterLimiter(minDelay, maxDelay)
	return &AdaptiveLimiter{
		JitterLimiter: j,
		baseMin:       j.minDelay,
		baseMax:       j.maxDelay,
		ceiling:       time.Minute,
		relaxAfter:    3,
		backoffFactor: 2,
	}
}

// RecordBlocked widens the window, capped at one minute.
func (a *AdaptiveLimiter) RecordBlocked() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cleanStreak = 0
	a.minDelay = a.scale(a.minDelay, a.baseMin)
	a.maxDelay = a.scale(a.maxDelay, a.baseMax)
	if a.maxDelay < a.minDelay {
		a.maxDelay = a.minDelay
	}
}

// RecordSuccess counts a clean page; every few in a row halve the extra delay.
func (a *AdaptiveLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cleanStreak++
	if a.cleanStreak < a.relaxAfter {
		return
	}
	a.cleanStreak = 0
	a.minDelay = a.baseMin + (a.minDelay-a.baseMin)/2
	a.maxDelay = a.baseMax + (a.maxDelay-a.baseMax)/2
}

func (a *AdaptiveLimiter) scale(current, base time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	if current <= 0 {
		current = time.Second
	}
	next := time.Duration(float64(current) * a.backoffFactor)
	if next > a.ceiling {
		next = a.ceiling
	}
	return next
}
