package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"imggen/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 通过 SMTP 发送邮件。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = n.dialAndSend
	return n
}

// Configured SMTP 参数是否齐全。
func (n *EmailNotifier) Configured() bool {
	return n.cfg != nil && n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != ""
}

// SendWelcome 发送注册欢迎邮件。
func (n *EmailNotifier) SendWelcome(ctx context.Context, toEmail string, username string) error {
	if !n.Configured() {
		return ErrNotConfigured
	}
	if strings.TrimSpace(toEmail) == "" {
		return fmt.Errorf("empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", "欢迎使用 AI 图片生成")
	m.SetBody("text/html", welcomeBody(username))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if n.logger != nil {
		n.logger.Info("welcome email sent", slog.String("to", toEmail))
	}
	return nil
}

func (n *EmailNotifier) dialAndSend(m *gomail.Message) error {
	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	return d.DialAndSend(m)
}

func welcomeBody(username string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>你好，%s</h2>
    <p>你的账户已创建成功，现在可以登录并开始生成图片。</p>
    <p style="font-size: 12px; color: #6b7280;">如果这不是你本人的操作，请忽略此邮件。</p>
  </div>
</body>
</html>`, html.EscapeString(username))
}
