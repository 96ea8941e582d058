// Package response 提供统一的 JSON 响应信封。
package response

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"imggen/internal/pkg/apperr"

	"github.com/gin-gonic/gin"
)

// Envelope 所有接口共用的响应结构。
type Envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// OK 返回 200 成功响应。
func OK(c *gin.Context, message string, data any) {
	JSON(c, http.StatusOK, message, data)
}

// Created 返回 201 成功响应。
func Created(c *gin.Context, message string, data any) {
	JSON(c, http.StatusCreated, message, data)
}

// JSON 以指定状态码返回成功响应。
func JSON(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Envelope{
		Success:   true,
		Message:   message,
		Code:      status,
		Data:      data,
		Timestamp: now(),
	})
}

// Error 以指定状态码返回失败响应。
func Error(c *gin.Context, status int, message string) {
	c.JSON(status, Envelope{
		Success:   false,
		Message:   message,
		Code:      status,
		Timestamp: now(),
	})
}

// Fail 将错误映射为状态码与失败响应。非 apperr.Error 视为内部错误，详情只写日志。
func Fail(c *gin.Context, logger *slog.Logger, err error) {
	status, message := resolve(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()))
	}
	Error(c, status, message)
}

// Abort 返回失败响应并终止中间件链。
func Abort(c *gin.Context, logger *slog.Logger, err error) {
	Fail(c, logger, err)
	c.Abort()
}

func resolve(err error) (int, string) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.Kind == apperr.KindInternal {
			return http.StatusInternalServerError, "internal server error"
		}
		return appErr.Kind.Status(), appErr.Message
	}
	return http.StatusInternalServerError, "internal server error"
}
