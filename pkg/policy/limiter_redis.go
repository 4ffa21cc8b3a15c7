package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisSlidingWindowScript counts requests in a sorted set scored by time.
// KEYS[1] = window key (e.g. "govkernel:rate:agent-1")
// ARGV[1] = now (unix microseconds)
// ARGV[2] = window length (microseconds)
// ARGV[3] = limit
// ARGV[4] = unique member for this request
var redisSlidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)

local count = redis.call("ZCARD", key)
if count >= limit then
    return {0, count}
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, math.ceil(window / 1000))
return {1, count + 1}
`)

// RedisSlidingWindowStore shares sliding-window rate state across processes.
type RedisSlidingWindowStore struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

// NewRedisSlidingWindowStore creates a store backed by a new Redis client.
func NewRedisSlidingWindowStore(addr, password string, db int) *RedisSlidingWindowStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisSlidingWindowStoreWithClient(rdb)
}

// NewRedisSlidingWindowStoreWithClient wraps an existing client or cluster client.
func NewRedisSlidingWindowStoreWithClient(client redis.Scripter) *RedisSlidingWindowStore {
	return &RedisSlidingWindowStore{client: client, prefix: "govkernel:rate:", now: time.Now}
}

func (s *RedisSlidingWindowStore) Allow(ctx context.Context, agentID string, policy RatePolicy) (bool, error) {
	key := s.prefix + agentID
	now := s.now().UnixMicro()

	res, err := redisSlidingWindowScript.Run(ctx, s.client, []string{key},
		now, RateWindow.Microseconds(), policy.RPM, fmt.Sprintf("%d-%s", now, uuid.NewString())).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
