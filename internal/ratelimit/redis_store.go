package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and optionally consumes from a bucket stored as a
// hash {tokens, ts}. ARGV: capacity, refill rate, now (seconds), cost.
// Returns {allowed, tokens}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate)
end
local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end
if cost > 0 then
  redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
  local ttl = 60000
  if rate > 0 then
    ttl = math.ceil(capacity / rate * 1000) + 1000
  end
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, tostring(tokens)}
`)

// RedisStore keeps token buckets in Redis so every chatd instance shares them.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "chat:ratelimit:", now: time.Now}
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	return s.run(ctx, key, capacity, refillRate, 1)
}

func (s *RedisStore) Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	_, remaining, err := s.run(ctx, key, capacity, refillRate, 0)
	return remaining, err
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) run(ctx context.Context, key string, capacity, refillRate, cost float64) (bool, float64, error) {
	now := float64(s.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key}, capacity, refillRate, now, cost).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit script: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	tokensStr, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit script: parse tokens %q: %w", tokensStr, err)
	}
	return allowed == 1, tokens, nil
}
