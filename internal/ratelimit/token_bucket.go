package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket: it holds up to capacity tokens
// and refills at refillRate tokens per second.
type TokenBucket struct {
	capacity   float64
	refillRate float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN consumes n tokens if available.
func (tb *TokenBucket) AllowN(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Remaining returns the tokens currently available.
func (tb *TokenBucket) Remaining() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Reset refills the bucket to capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = tb.capacity
	tb.lastRefill = tb.now()
}

// WaitTime returns how long until one token is available.
func (tb *TokenBucket) WaitTime() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return waitFor(tb.tokens, tb.refillRate)
}

// refill must be called with the lock held.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	}
	tb.lastRefill = now
}

func waitFor(tokens, refillRate float64) time.Duration {
	if tokens >= 1 || refillRate <= 0 {
		return 0
	}
	return time.Duration((1 - tokens) / refillRate * float64(time.Second))
}
