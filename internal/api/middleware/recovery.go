package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"imggen/internal/api/response"

	"github.com/gin-gonic/gin"
)

// Recovery 捕获处理器中的 panic，返回 500 信封。
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(r)
			}
			if logger != nil {
				logger.Error("panic recovered",
					slog.String("method", c.Request.Method),
					slog.String("path", c.Request.URL.Path),
					slog.String("panic", fmt.Sprint(r)),
					slog.String("stack", string(debug.Stack())))
			}
			if c.Writer.Written() {
				c.Abort()
				return
			}
			response.Error(c, http.StatusInternalServerError, "internal server error")
			c.Abort()
		}()
		c.Next()
	}
}
