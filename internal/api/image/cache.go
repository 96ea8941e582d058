package image

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const anonResultPrefix = "imggen:anon_result:"

// AnonResult 匿名调用者的生成结果，只保存在 Redis 中。
type AnonResult struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Model     string    `json:"model"`
	ImageSize string    `json:"image_size"`
	URLs      []string  `json:"urls"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisResultCache 以 uuid 为键、带 TTL 保存匿名结果。
type RedisResultCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisResultCache 创建缓存。
func NewRedisResultCache(rdb *redis.Client, ttl time.Duration) *RedisResultCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisResultCache{rdb: rdb, ttl: ttl}
}

// Save 写入结果并填充 ID 与过期时间。
func (c *RedisResultCache) Save(ctx context.Context, res *AnonResult) error {
	res.ID = uuid.NewString()
	res.ExpiresAt = res.CreatedAt.Add(c.ttl)
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal anon result: %w", err)
	}
	if err := c.rdb.Set(ctx, anonResultPrefix+res.ID, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("save anon result: %w", err)
	}
	return nil
}

// Get 读取结果，不存在或已过期时返回 (nil, nil)。
func (c *RedisResultCache) Get(ctx context.Context, id string) (*AnonResult, error) {
	raw, err := c.rdb.Get(ctx, anonResultPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get anon result: %w", err)
	}
	var res AnonResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode anon result: %w", err)
	}
	return &res, nil
}
