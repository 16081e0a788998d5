package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the bucket update atomically.
// KEYS[1] bucket key; ARGV rate/s, capacity, cost, now (seconds), ttl (seconds).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return allowed
`)

// RedisStore shares buckets between gateway replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: "oya:limiter:",
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Allow(ctx context.Context, key string, p Policy, cost int) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	// Keep a bucket at least as long as it takes to refill completely.
	ttl := int(p.capacity()/p.rate()) + 60

	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key}, p.rate(), p.capacity(), cost, now, ttl).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, errors.New("redis limiter: empty script result")
		}
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	return res == 1, nil
}
