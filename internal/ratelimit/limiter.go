// Package ratelimit throttles chat sends per user with token buckets kept in
// memory or in Redis.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Store holds token buckets keyed by caller.
type Store interface {
	// Allow consumes one token from key's bucket if available.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	// Remaining reports available tokens without consuming any.
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// Config configures a Limiter.
type Config struct {
	// Store defaults to a MemoryStore.
	Store             Store
	RequestsPerSecond float64
	BurstSize         float64
	Logger            zerolog.Logger
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      float64
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter applies a per-user token bucket.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
	logger     zerolog.Logger
}

// NewLimiter creates a limiter, defaulting to one request per second with a
// burst of ten.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		store:      store,
		capacity:   cfg.BurstSize,
		refillRate: cfg.RequestsPerSecond,
		logger:     cfg.Logger,
	}
}

func userKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// AllowUser consumes a token for userID. Store errors fail open.
func (l *Limiter) AllowUser(ctx context.Context, userID int64) Decision {
	if userID <= 0 {
		return Decision{Allowed: true, Limit: l.capacity, Remaining: l.capacity}
	}
	allowed, remaining, err := l.store.Allow(ctx, userKey(userID), l.capacity, l.refillRate)
	if err != nil {
		l.logger.Warn().Err(err).Int64("user_id", userID).Msg("rate limit store unavailable, allowing request")
		return Decision{Allowed: true, Limit: l.capacity, Remaining: l.capacity}
	}
	d := Decision{Allowed: allowed, Limit: l.capacity, Remaining: remaining}
	if !allowed {
		d.RetryAfter = waitFor(remaining, l.refillRate)
	}
	return d
}

// UserRemaining reports the tokens left for userID.
func (l *Limiter) UserRemaining(ctx context.Context, userID int64) float64 {
	remaining, err := l.store.Remaining(ctx, userKey(userID), l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// ResetUser refills userID's bucket.
func (l *Limiter) ResetUser(ctx context.Context, userID int64) error {
	return l.store.Reset(ctx, userKey(userID))
}

// ResetAfter returns how long until a bucket at remaining is full again.
func (l *Limiter) ResetAfter(remaining float64) time.Duration {
	if remaining >= l.capacity {
		return 0
	}
	return time.Duration((l.capacity - remaining) / l.refillRate * float64(time.Second))
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
