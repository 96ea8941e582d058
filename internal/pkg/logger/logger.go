package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 日志初始化参数。
type Options struct {
	Level  string // debug / info / warn / error
	File   string // 为空时只输出到 stdout
	Format string // json / text
}

// NewDefault 创建输出到 stdout 的 JSON 日志记录器。
func NewDefault(level string) *slog.Logger {
	return New(Options{Level: level})
}

// New 根据参数创建日志记录器。
//
// 配置了 File 时同时写入滚动日志文件（按 50MB 切分，保留 10 个压缩备份）。
func New(opts Options) *slog.Logger {
	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50,
			MaxBackups: 10,
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}
	return slog.New(handler)
}

// Discard 返回丢弃所有输出的日志记录器，用于测试。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel 将字符串转换为 slog.Level，无法识别时返回 Info。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
