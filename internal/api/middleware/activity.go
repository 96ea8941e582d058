package middleware

import (
	"context"
	"log/slog"
	"time"

	"imggen/internal/api/auth"

	"github.com/gin-gonic/gin"
)

// ActivityToucher 记录用户活跃。
type ActivityToucher interface {
	Touch(ctx context.Context, userID uint) error
}

// ActivityMiddleware 将已登录用户标记为活跃，供后台统计使用。失败不影响请求。
func ActivityMiddleware(tracker ActivityToucher, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := auth.CurrentIdentity(c)
		if identity.Anonymous() || identity.Role != "user" || tracker == nil {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		if err := tracker.Touch(ctx, identity.UserID); err != nil && logger != nil {
			logger.Warn("mark user active failed", slog.Uint64("user_id", uint64(identity.UserID)), slog.String("error", err.Error()))
		}
		cancel()

		c.Next()
	}
}
