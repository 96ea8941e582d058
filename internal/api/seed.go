package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"imggen/internal/model"
)

// SeedAdmins 确保配置中的管理员账户存在。
//
// 已存在的账户保持不变，不会覆盖密码或状态。
func (s *Server) SeedAdmins(ctx context.Context) error {
	for _, seed := range s.cfg.Security.BootstrapAdmins {
		hash, err := s.authSvc.HashPassword(seed.Password)
		if err != nil {
			return err
		}
		created, err := s.accounts.EnsureAdmin(ctx, &model.Admin{
			Username:     strings.TrimSpace(seed.Username),
			Email:        strings.ToLower(strings.TrimSpace(seed.Email)),
			PasswordHash: hash,
		})
		if err != nil {
			return fmt.Errorf("seed admin %q: %w", seed.Username, err)
		}
		if created {
			s.logger.Info("bootstrap admin created", slog.String("username", seed.Username))
		}
	}
	return nil
}
