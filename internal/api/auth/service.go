package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"imggen/internal/api/request"
	"imggen/internal/model"
	"imggen/internal/pkg/apperr"
	"imggen/internal/pkg/metrics"
	"imggen/internal/store"

	"golang.org/x/crypto/bcrypt"
)

// AccountStore 登录、注册所需的账户读写。
type AccountStore interface {
	FindUserByUsername(ctx context.Context, username string) (*model.User, error)
	FindUserByID(ctx context.Context, id uint) (*model.User, error)
	UsernameTaken(ctx context.Context, username string, excludeID uint) (bool, error)
	EmailTaken(ctx context.Context, email string, excludeID uint) (bool, error)
	CreateUser(ctx context.Context, u *model.User) error
	TouchUserLogin(ctx context.Context, id uint, at time.Time) error
	FindAdminByUsername(ctx context.Context, username string) (*model.Admin, error)
	FindAdminByID(ctx context.Context, id uint) (*model.Admin, error)
	TouchAdminLogin(ctx context.Context, id uint, at time.Time) error
}

const (
	msgRegisterRequired = "username, email and password are required"
	msgLoginRequired    = "username and password are required"
)

// LoginResult 登录成功的结果。
type LoginResult struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	User      model.Account `json:"user"`
}

// RegisterInput 注册参数，规则在去除首尾空白后校验。
type RegisterInput struct {
	Username string `json:"username" binding:"required,min=3,max=20,imgusername"`
	Email    string `json:"email" binding:"required,imgemail"`
	Password string `json:"password" binding:"required,min=6,max=20"`
}

func (RegisterInput) ValidationMessages() map[string]string {
	return map[string]string{"required": msgRegisterRequired}
}

// Service 实现用户与管理员的登录和注册。
type Service struct {
	accounts          AccountStore
	issuer            *Issuer
	logger            *slog.Logger
	enforceUserStatus bool
	bcryptCost        int
	now               func() time.Time
}

// NewService 创建认证服务。
func NewService(accounts AccountStore, issuer *Issuer, enforceUserStatus bool, logger *slog.Logger) *Service {
	return &Service{
		accounts:          accounts,
		issuer:            issuer,
		logger:            logger,
		enforceUserStatus: enforceUserStatus,
		bcryptCost:        bcrypt.DefaultCost,
		now:               time.Now,
	}
}

// HashPassword 生成 bcrypt 哈希。
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// UserLogin 校验普通用户并签发令牌。
func (s *Service) UserLogin(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.accounts.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.LoginAttemptsTotal.WithLabelValues(model.RoleUser, "not_found").Inc()
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Internal(fmt.Errorf("find user: %w", err))
	}
	if s.enforceUserStatus && user.Status != model.StatusActive {
		metrics.LoginAttemptsTotal.WithLabelValues(model.RoleUser, "disabled").Inc()
		return nil, apperr.Forbidden("account disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		metrics.LoginAttemptsTotal.WithLabelValues(model.RoleUser, "bad_password").Inc()
		return nil, apperr.Unauthorized("wrong password")
	}

	now := s.now()
	if err := s.accounts.TouchUserLogin(ctx, user.ID, now); err != nil {
		return nil, apperr.Internal(fmt.Errorf("update last login: %w", err))
	}
	user.LastLogin = &now

	token, exp, err := s.issuer.Issue(user.ID, user.Username, user.Email, model.RoleUser)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	metrics.LoginAttemptsTotal.WithLabelValues(model.RoleUser, "ok").Inc()
	if s.logger != nil {
		s.logger.Info("user logged in", slog.String("username", user.Username), slog.Uint64("user_id", uint64(user.ID)))
	}
	return &LoginResult{Token: token, ExpiresAt: exp, User: user.Sanitize()}, nil
}

// AdminLogin 校验管理员并签发令牌。被禁用的管理员无法登录。
func (s *Service) AdminLogin(ctx context.Context, username, password string) (*LoginResult, error) {
	admin, err := s.accounts.FindAdminByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.LoginAttemptsTotal.WithLabelValues(model.RoleAdmin, "not_found").Inc()
			return nil, apperr.NotFound("admin not found")
		}
		return nil, apperr.Internal(fmt.Errorf("find admin: %w", err))
	}
	if admin.Status != model.StatusActive {
		metrics.LoginAttemptsTotal.WithLabelValues(model.RoleAdmin, "disabled").Inc()
		return nil, apperr.Forbidden("account disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		metrics.LoginAttemptsTotal.WithLabelValues(model.RoleAdmin, "bad_password").Inc()
		return nil, apperr.Unauthorized("wrong password")
	}

	now := s.now()
	if err := s.accounts.TouchAdminLogin(ctx, admin.ID, now); err != nil {
		return nil, apperr.Internal(fmt.Errorf("update last login: %w", err))
	}
	admin.LastLogin = &now

	token, exp, err := s.issuer.Issue(admin.ID, admin.Username, admin.Email, model.RoleAdmin)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	metrics.LoginAttemptsTotal.WithLabelValues(model.RoleAdmin, "ok").Inc()
	if s.logger != nil {
		s.logger.Info("admin logged in", slog.String("username", admin.Username), slog.Uint64("admin_id", uint64(admin.ID)))
	}
	return &LoginResult{Token: token, ExpiresAt: exp, User: admin.Sanitize()}, nil
}

// Register 创建普通用户。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := ValidateRegistration(in); err != nil {
		return nil, err
	}

	taken, err := s.accounts.UsernameTaken(ctx, in.Username, 0)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("check username: %w", err))
	}
	if taken {
		return nil, apperr.Conflict("username already exists")
	}
	taken, err = s.accounts.EmailTaken(ctx, in.Email, 0)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("check email: %w", err))
	}
	if taken {
		return nil, apperr.Conflict("email already registered")
	}

	hash, err := s.HashPassword(in.Password)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	user := &model.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         model.RoleUser,
		Status:       model.StatusActive,
	}
	if err := s.accounts.CreateUser(ctx, user); err != nil {
		// 预检查之后的并发注册由唯一索引兜底
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Conflict("username or email already exists")
		}
		return nil, apperr.Internal(fmt.Errorf("create user: %w", err))
	}
	if s.logger != nil {
		s.logger.Info("user registered", slog.String("username", user.Username), slog.Uint64("user_id", uint64(user.ID)))
	}
	return user, nil
}

// ValidateRegistration 校验用户名、邮箱和密码格式。
func ValidateRegistration(in RegisterInput) error {
	return request.Validate(in)
}
