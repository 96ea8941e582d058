package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"imggen/internal/api/response"
	"imggen/internal/pkg/metrics"
	"imggen/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// Limiter 按键限流。
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// RateLimit 按客户端 IP 限流。限流后端出错时放行并记录告警。
func RateLimit(limiter Limiter, scope string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		decision, err := limiter.Allow(ctx, scope+":"+c.ClientIP())
		cancel()
		if err != nil {
			metrics.RateLimitErrorsTotal.Inc()
			if logger != nil {
				logger.Warn("rate limiter unavailable, allowing request",
					slog.String("scope", scope),
					slog.String("error", err.Error()))
			}
			c.Next()
			return
		}
		if decision.Allowed {
			c.Next()
			return
		}

		metrics.RateLimitedTotal.WithLabelValues(scope).Inc()
		retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, response.Envelope{
			Success:   false,
			Message:   "too many requests, please try again later",
			Code:      http.StatusTooManyRequests,
			Data:      gin.H{"retry_after": retryAfter},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}
