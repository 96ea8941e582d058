// Package ratelimit 基于 Redis 的按键令牌桶限流。
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
local refill = (delta * rate) / 1000.0
tokens = math.min(burst, tokens + refill)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tostring(tokens)}
`

// Decision 单次限流判定结果。
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // 被拒绝时建议的等待时间
}

// Limiter 为每个 key（如客户端 IP）维护一个令牌桶。
type Limiter struct {
	rdb    *redis.Client
	prefix string
	rate   float64 // 每秒补充的令牌数
	burst  float64 // 桶容量
	logger *slog.Logger
	script *redis.Script
	now    func() time.Time
}

// NewLimiter 创建限流器。rate 或 burst 不大于 0 时不限流。
func NewLimiter(rdb *redis.Client, logger *slog.Logger, prefix string, rate float64, burst float64) *Limiter {
	if prefix == "" {
		prefix = "imggen:ratelimit"
	}
	return &Limiter{
		rdb:    rdb,
		prefix: prefix,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
		now:    time.Now,
	}
}

// Allow 尝试为 key 消耗一个令牌，不阻塞。
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil || l.rate <= 0 || l.burst <= 0 {
		return Decision{Allowed: true}, nil
	}

	redisKey := l.prefix + ":" + key
	res, err := l.script.Run(ctx, l.rdb, []string{redisKey}, l.rate, l.burst, l.now().UnixMilli(), 1).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return Decision{}, fmt.Errorf("ratelimit invalid result")
	}

	d := Decision{Allowed: toInt64(values[0]) == 1}
	if !d.Allowed {
		d.RetryAfter = time.Duration(toInt64(values[1])) * time.Millisecond
		if l.logger != nil {
			l.logger.Debug("rate limited", slog.String("key", redisKey), slog.String("retry_after", d.RetryAfter.String()))
		}
	}
	return d, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if t == "" {
			return 0
		}
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
