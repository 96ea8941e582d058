package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"imggen/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// 开发环境默认允许的前端地址。
var devOrigins = []string{
	"http://localhost:4173",
	"http://localhost:5173",
	"http://localhost:5174",
	"http://localhost:5175",
	"http://localhost:5176",
	"http://localhost:5177",
	"http://localhost:5178",
	"http://127.0.0.1:5173",
	"http://127.0.0.1:5174",
	"http://127.0.0.1:5175",
	"http://127.0.0.1:5176",
	"http://127.0.0.1:5177",
	"http://127.0.0.1:5178",
}

// 没有显式配置来源时的兜底列表，开发环境下与本地地址并存。
var productionFallbackOrigins = []string{
	"https://huanst.cn",
	"https://www.huanst.cn",
	"https://admin-dashboard.huanst.cn",
}

var devOriginPattern = regexp.MustCompile(`^http://(localhost|127\.0\.0\.1):\d+$`)

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS, PATCH"
	corsAllowHeaders = "Content-Type, Authorization, X-Requested-With, Accept, Origin, X-Request-ID"
	corsMaxAge       = 86400
)

// OriginPolicy 决定跨域请求的来源是否被允许。
type OriginPolicy struct {
	allowed     map[string]struct{}
	origins     []string
	development bool
}

// NewOriginPolicy 合并配置来源与开发默认来源；没有有效的配置来源时加入兜底列表。
func NewOriginPolicy(configured []string, development bool) *OriginPolicy {
	p := &OriginPolicy{allowed: map[string]struct{}{}, development: development}
	add := func(origin string) {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" {
			return
		}
		if _, ok := p.allowed[origin]; ok {
			return
		}
		p.allowed[origin] = struct{}{}
		p.origins = append(p.origins, origin)
	}

	for _, o := range configured {
		add(o)
	}
	explicit := len(p.origins) > 0
	if development {
		for _, o := range devOrigins {
			add(o)
		}
	}
	if !explicit {
		for _, o := range productionFallbackOrigins {
			add(o)
		}
	}
	return p
}

// Origins 返回生效的允许列表。
func (p *OriginPolicy) Origins() []string {
	out := make([]string, len(p.origins))
	copy(out, p.origins)
	return out
}

// Allowed 来源为空、精确匹配，或开发环境下的任意本地端口都允许。
func (p *OriginPolicy) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	if _, ok := p.allowed[origin]; ok {
		return true
	}
	return p.development && devOriginPattern.MatchString(origin)
}

// evaluate 出现 panic 时按拒绝处理。
func (p *OriginPolicy) evaluate(origin string) (allowed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			allowed = false
			err = fmt.Errorf("origin policy panic: %v", r)
		}
	}()
	return p.Allowed(origin), nil
}

// CORS 按来源策略写入跨域响应头。被拒绝的来源只是不返回 CORS 头，请求本身照常处理。
func CORS(policy *OriginPolicy, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""

		if origin == "" {
			c.Next()
			return
		}
		// 允许与拒绝的响应不同，两种情况都声明 Vary
		c.Writer.Header().Add("Vary", "Origin")

		allowed, err := policy.evaluate(origin)
		if err != nil || !allowed {
			reason := "not_allowed"
			if err != nil {
				reason = "error"
			}
			metrics.CORSDeniedTotal.WithLabelValues(reason).Inc()
			if logger != nil {
				attrs := []any{
					slog.String("origin", origin),
					slog.String("method", c.Request.Method),
					slog.String("path", c.Request.URL.Path),
				}
				if err != nil {
					attrs = append(attrs, slog.String("error", err.Error()))
				}
				logger.Warn("cors origin denied", attrs...)
			}
			if preflight {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")

		if preflight {
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}
