package redisstate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// fixedWindowScript 只在窗口的第一次计数时设置过期时间，窗口到期后计数归零。
// 没有 TTL 的旧 key 顺便补上过期时间，避免永久限流。
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 or redis.call("PTTL", KEYS[1]) == -1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisStateRepository 是 StateRepository 接口的 Redis 实现
type RedisStateRepository struct {
	client    *redis.Client
	keyPrefix string // Redis key 前缀，方便与 asynq 等共用实例
}

// NewRedisStateRepository 创建 RedisStateRepository 实例
func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "cc:" // 默认前缀 "cc:" (collaborative canvas)
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
// 固定窗口计数：窗口从第一次请求开始，持续 duration，期间的请求不会延长窗口。
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error) {
	fullKey := r.keyPrefix + key
	window := duration.Milliseconds()
	if window <= 0 {
		window = 1
	}
	count, err := fixedWindowScript.Run(ctx, r.client, []string{fullKey}, window).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit script failed on key %s: %w", fullKey, err)
	}
	return count > int64(limit), nil
}
