package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript is an atomic Lua script implementing the fixed window.
// KEYS[1] = Redis key
// ARGV[1] = window length in milliseconds
// ARGV[2] = max requests per window
// Returns {allowed (1|0), remaining window in milliseconds}.
var fixedWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local window = tonumber(ARGV[1])
		local limit  = tonumber(ARGV[2])

		local current = redis.call('GET', key)
		local ttl = redis.call('PTTL', key)
		if not current or ttl < 0 then
			-- No window, or a key that lost its expiry: start a fresh window.
			redis.call('SET', key, 1, 'PX', window)
			return {1, window}
		end

		if tonumber(current) >= limit then
			return {0, ttl}
		end

		redis.call('INCR', key)
		return {1, ttl}
`)

const keyPrefix = "comfort:ratelimit:"

// RedisStore keeps window counters in Redis so every replica shares one
// budget per identifier. Keys expire together with their window.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a RedisStore using rdb.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration, limit int) (bool, time.Duration, error) {
	res, err := fixedWindowScript.Run(ctx, s.rdb,
		[]string{keyPrefix + key},
		window.Milliseconds(), limit,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: redis: unexpected script reply %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
