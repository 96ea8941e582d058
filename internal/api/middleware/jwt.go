package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"imggen/internal/api/auth"
	"imggen/internal/api/response"
	"imggen/internal/model"
	"imggen/internal/pkg/apperr"
	"imggen/internal/pkg/metrics"
	"imggen/internal/store"

	"github.com/gin-gonic/gin"
)

// AdminLookup 查询管理员的实时状态。
type AdminLookup interface {
	FindAdminByID(ctx context.Context, id uint) (*model.Admin, error)
}

// UserLookup 查询普通用户的实时状态。
type UserLookup interface {
	FindUserByID(ctx context.Context, id uint) (*model.User, error)
}

// Authenticator 构造三种鉴权中间件。
type Authenticator struct {
	issuer *auth.Issuer
	admins AdminLookup
	users  UserLookup // 非 nil 时 RequireUser 也校验账户状态
	logger *slog.Logger
}

// NewAuthenticator 创建鉴权器。users 传 nil 表示普通用户只信任令牌。
func NewAuthenticator(issuer *auth.Issuer, admins AdminLookup, users UserLookup, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		issuer: issuer,
		admins: admins,
		users:  users,
		logger: logger,
	}
}

// BearerToken 从 Authorization 头中提取令牌。缺少 "Bearer " 前缀或令牌为空都视为没有提供。
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// authenticate 提取并校验令牌，失败时已写出响应并终止请求。
func (a *Authenticator) authenticate(c *gin.Context, guard string) (*auth.Claims, bool) {
	tokenStr, ok := BearerToken(c.GetHeader("Authorization"))
	if !ok {
		a.reject(c, guard, "missing_token", apperr.Unauthorized("access token missing"))
		return nil, false
	}
	claims, err := a.issuer.Parse(tokenStr)
	if err != nil {
		reason := "invalid_token"
		if errors.Is(err, auth.ErrTokenExpired) {
			reason = "expired_token"
		}
		a.reject(c, guard, reason, apperr.Forbidden("invalid or expired token"))
		return nil, false
	}
	return claims, true
}

func (a *Authenticator) reject(c *gin.Context, guard, reason string, err error) {
	metrics.AuthRejectionsTotal.WithLabelValues(guard, reason).Inc()
	if a.logger != nil && !apperr.Is(err, apperr.KindInternal) {
		a.logger.Debug("auth rejected",
			slog.String("guard", guard),
			slog.String("reason", reason),
			slog.String("path", c.Request.URL.Path))
	}
	response.Abort(c, a.logger, err)
}

// RequireUser 要求有效的普通用户令牌，默认不访问数据库。
func (a *Authenticator) RequireUser() gin.HandlerFunc {
	const guard = "user"
	return func(c *gin.Context) {
		claims, ok := a.authenticate(c, guard)
		if !ok {
			return
		}
		// users 与 admins 是两张独立的表，ID 可能重叠
		if claims.Role != model.RoleUser {
			a.reject(c, guard, "wrong_role", apperr.Forbidden("user token required"))
			return
		}
		identity := auth.IdentityFromClaims(claims)

		if a.users != nil {
			user, err := a.users.FindUserByID(c.Request.Context(), claims.UserID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				a.reject(c, guard, "no_account", apperr.Forbidden("account not found"))
				return
			case err != nil:
				a.reject(c, guard, "store_error", apperr.Internal(err))
				return
			case user.Status != model.StatusActive:
				a.reject(c, guard, "disabled", apperr.Forbidden("account disabled"))
				return
			}
			identity.Status = user.Status
		}

		auth.SetIdentity(c, identity)
		c.Next()
	}
}

// RequireAdmin 要求有效的管理员令牌，并在每次请求时查询管理员的实时状态。
func (a *Authenticator) RequireAdmin() gin.HandlerFunc {
	const guard = "admin"
	return func(c *gin.Context) {
		claims, ok := a.authenticate(c, guard)
		if !ok {
			return
		}
		if claims.Role != model.RoleAdmin {
			a.reject(c, guard, "wrong_role", apperr.Forbidden("insufficient privilege, admin required"))
			return
		}

		admin, err := a.admins.FindAdminByID(c.Request.Context(), claims.UserID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			a.reject(c, guard, "no_account", apperr.Forbidden("insufficient privilege, admin required"))
			return
		case err != nil:
			a.reject(c, guard, "store_error", apperr.Internal(err))
			return
		case admin.Status != model.StatusActive:
			a.reject(c, guard, "disabled", apperr.Forbidden("admin account disabled"))
			return
		}

		identity := auth.IdentityFromClaims(claims)
		identity.Status = admin.Status
		auth.SetIdentity(c, identity)
		c.Next()
	}
}

// OptionalAuth 有合法令牌时写入调用者，否则以匿名身份继续，从不拦截请求。
func (a *Authenticator) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		var identity *auth.Identity
		if tokenStr, ok := BearerToken(c.GetHeader("Authorization")); ok {
			if claims, err := a.issuer.Parse(tokenStr); err == nil {
				identity = auth.IdentityFromClaims(claims)
			}
		}
		auth.SetIdentity(c, identity)
		c.Next()
	}
}
