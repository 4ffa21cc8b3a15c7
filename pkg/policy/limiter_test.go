package policy

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

func TestTokenBucketStore(t *testing.T) {
	s := NewTokenBucketStore()
	ctx := context.Background()
	policy := RatePolicy{RPM: 60, Burst: 2}

	for i := 0; i < 2; i++ {
		ok, err := s.Allow(ctx, "bursty", policy)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.Allow(ctx, "bursty", policy)
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")

	ok, err = s.Allow(ctx, "other", policy)
	require.NoError(t, err)
	assert.True(t, ok, "agents have independent buckets")
}

func TestTokenBucketStore_PolicyChange(t *testing.T) {
	s := NewTokenBucketStore()
	ctx := context.Background()

	ok, err := s.Allow(ctx, "tuned", RatePolicy{RPM: 1, Burst: 1})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Allow(ctx, "tuned", RatePolicy{RPM: 1, Burst: 1})
	require.NoError(t, err)
	assert.False(t, ok)

	fast := RatePolicy{RPM: 6000, Burst: 5}
	_, _ = s.Allow(ctx, "tuned", fast)
	assert.Equal(t, rate.Limit(100), s.limiters["tuned"].Limit())
	assert.Equal(t, 5, s.limiters["tuned"].Burst())

	time.Sleep(50 * time.Millisecond)
	ok, err = s.Allow(ctx, "tuned", fast)
	require.NoError(t, err)
	assert.True(t, ok, "the bucket refills at the new rate")
}

func TestEngine_TokenBucketFollowsSetQuota(t *testing.T) {
	e := newTestEngine(t, WithLimiterStore(NewTokenBucketStore()))
	ctx := context.Background()
	req := mustRequest(t, "resized", contracts.ActionAPICall)

	e.SetQuota("resized", NewQuota("resized", 1, 1))
	ok, err := e.CheckRateLimit(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.CheckRateLimit(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)

	e.SetQuota("resized", NewQuota("resized", 1, 6000))
	require.Eventually(t, func() bool {
		ok, err := e.CheckRateLimit(ctx, req)
		return err == nil && ok
	}, time.Second, 10*time.Millisecond)
}

// TestRedisSlidingWindowStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisSlidingWindowStore_Integration(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	ctx := context.Background()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	store := NewRedisSlidingWindowStoreWithClient(rdb)
	agent := "test-redis-agent"
	rdb.Del(ctx, store.prefix+agent)
	policy := RatePolicy{RPM: 2}

	for i := 0; i < 2; i++ {
		ok, err := store.Allow(ctx, agent, policy)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := store.Allow(ctx, agent, policy)
	require.NoError(t, err)
	assert.False(t, ok)
}
