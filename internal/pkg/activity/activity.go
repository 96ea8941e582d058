// Package activity 在 Redis 中记录最近活跃的用户。
package activity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKey = "imggen:active_users"

// Tracker 使用有序集合记录用户最近一次请求的时间。
type Tracker struct {
	rdb    *redis.Client
	key    string
	window time.Duration
	now    func() time.Time
}

// NewTracker 创建活跃度追踪器，window 之前的记录会在写入时被清理。
func NewTracker(rdb *redis.Client, window time.Duration) *Tracker {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Tracker{rdb: rdb, key: defaultKey, window: window, now: time.Now}
}

// Window 返回统计窗口。
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Touch 标记用户为活跃。
func (t *Tracker) Touch(ctx context.Context, userID uint) error {
	now := t.now()
	member := strconv.FormatUint(uint64(userID), 10)

	pipe := t.rdb.TxPipeline()
	pipe.ZAdd(ctx, t.key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.ZRemRangeByScore(ctx, t.key, "-inf", "("+strconv.FormatInt(now.Add(-t.window).UnixMilli(), 10))
	pipe.Expire(ctx, t.key, 2*t.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// CountActive 统计窗口内活跃的用户数。
func (t *Tracker) CountActive(ctx context.Context) (int64, error) {
	floor := strconv.FormatInt(t.now().Add(-t.window).UnixMilli(), 10)
	n, err := t.rdb.ZCount(ctx, t.key, floor, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}
