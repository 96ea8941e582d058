package notify

import (
	"context"
	"errors"
)

// ErrNotConfigured SMTP 未配置，调用方应跳过发送。
var ErrNotConfigured = errors.New("email config missing")

// Notifier 定义账户相关通知。
type Notifier interface {
	// SendWelcome 向新注册用户发送欢迎邮件。
	SendWelcome(ctx context.Context, toEmail string, username string) error
}
