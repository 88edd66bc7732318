package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps token buckets in process memory. It suits single
// instance deployments; use RedisStore when several chatd processes share
// limits.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	now     func() time.Time

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewMemoryStore creates a store that prunes idle buckets every five minutes.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates a store with a custom prune interval.
// A non-positive interval disables pruning.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets:         make(map[string]*TokenBucket),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stop:            make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	bucket := s.bucket(key, capacity, refillRate)
	allowed := bucket.Allow()
	return allowed, bucket.Remaining(), nil
}

func (s *MemoryStore) Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()
	if !ok {
		return capacity, nil
	}
	return bucket.Remaining(), nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
	return nil
}

// Close stops background pruning.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

func (s *MemoryStore) bucket(key string, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok = s.buckets[key]; ok {
		return bucket
	}
	bucket = newTokenBucket(capacity, refillRate, s.now)
	s.buckets[key] = bucket
	return bucket
}

func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.prune()
		case <-s.stop:
			return
		}
	}
}

// prune drops buckets that have refilled to (nearly) full, i.e. idle callers.
func (s *MemoryStore) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, bucket := range s.buckets {
		if bucket.Remaining() >= bucket.capacity*0.95 {
			delete(s.buckets, key)
		}
	}
}
