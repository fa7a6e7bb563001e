package redisstate_test

import (
	"context"
	"testing"
	"time"

	redisstate "collaborative-canvas/internal/infra/state/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) (*miniredis.Miniredis, *redis.Client, *redisstate.RedisStateRepository) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client, redisstate.NewRedisStateRepository(client, "")
}

func TestCheckRateLimit_SteadyTrafficBelowLimitNeverThrottled(t *testing.T) {
	mr, _, repo := newRepo(t)
	ctx := context.Background()

	// 每秒 2 条，远低于 60 条/秒，持续 50 秒
	for i := 0; i < 100; i++ {
		exceeded, err := repo.CheckRateLimit(ctx, "ratelimit:ws:u1", 60, time.Second)
		require.NoError(t, err)
		require.False(t, exceeded, "message %d should not be throttled", i+1)
		mr.FastForward(500 * time.Millisecond)
	}
}

func TestCheckRateLimit_BurstWithinWindowThrottled(t *testing.T) {
	mr, _, repo := newRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exceeded, err := repo.CheckRateLimit(ctx, "ratelimit:http:1.2.3.4", 3, time.Second)
		require.NoError(t, err)
		assert.False(t, exceeded)
	}
	exceeded, err := repo.CheckRateLimit(ctx, "ratelimit:http:1.2.3.4", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, exceeded, "第 4 次超过限制")

	// 窗口内继续请求不会推迟窗口结束
	mr.FastForward(600 * time.Millisecond)
	exceeded, err = repo.CheckRateLimit(ctx, "ratelimit:http:1.2.3.4", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, exceeded)

	mr.FastForward(400 * time.Millisecond)
	exceeded, err = repo.CheckRateLimit(ctx, "ratelimit:http:1.2.3.4", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, exceeded, "新窗口重新计数")
}

func TestCheckRateLimit_KeysArePrefixedAndExpire(t *testing.T) {
	mr, _, repo := newRepo(t)

	_, err := repo.CheckRateLimit(context.Background(), "ratelimit:ws:u2", 10, 2*time.Second)
	require.NoError(t, err)

	assert.True(t, mr.Exists("cc:ratelimit:ws:u2"))
	assert.Equal(t, 2*time.Second, mr.TTL("cc:ratelimit:ws:u2"))
}

func TestCheckRateLimit_RepairsKeyWithoutTTL(t *testing.T) {
	mr, _, repo := newRepo(t)
	require.NoError(t, mr.Set("cc:ratelimit:ws:u3", "100"))

	exceeded, err := repo.CheckRateLimit(context.Background(), "ratelimit:ws:u3", 10, time.Second)
	require.NoError(t, err)
	assert.True(t, exceeded)
	assert.Equal(t, time.Second, mr.TTL("cc:ratelimit:ws:u3"))

	mr.FastForward(time.Second)
	exceeded, err = repo.CheckRateLimit(context.Background(), "ratelimit:ws:u3", 10, time.Second)
	require.NoError(t, err)
	assert.False(t, exceeded)
}

func TestCheckRateLimit_RedisUnavailable(t *testing.T) {
	mr, _, repo := newRepo(t)
	mr.Close()

	_, err := repo.CheckRateLimit(context.Background(), "ratelimit:ws:u4", 10, time.Second)
	assert.Error(t, err)
}
