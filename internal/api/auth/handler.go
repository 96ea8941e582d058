package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"imggen/internal/api/request"
	"imggen/internal/api/response"
	"imggen/internal/model"
	"imggen/internal/pkg/apperr"
	"imggen/internal/pkg/notify"
	"imggen/internal/store"

	"github.com/gin-gonic/gin"
)

// JobSubmitter 后台任务队列。
type JobSubmitter interface {
	Submit(name string, job func(ctx context.Context) error) bool
}

// Handler 提供注册、登录与令牌校验接口。
type Handler struct {
	svc      *Service
	accounts AccountStore
	mailer   notify.Notifier
	jobs     JobSubmitter
	logger   *slog.Logger
}

// NewHandler 创建 Auth Handler。mailer 与 jobs 可为 nil，此时不发送欢迎邮件。
func NewHandler(svc *Service, mailer notify.Notifier, jobs JobSubmitter, logger *slog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		accounts: svc.accounts,
		mailer:   mailer,
		jobs:     jobs,
		logger:   logger,
	}
}

type registerRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Email    string `json:"email" form:"email" binding:"required"`
	Password string `json:"password" form:"password" binding:"required,min=6,max=20"`
}

func (registerRequest) ValidationMessages() map[string]string {
	return map[string]string{"required": msgRegisterRequired}
}

type loginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

func (loginRequest) ValidationMessages() map[string]string {
	return map[string]string{"required": msgLoginRequired}
}

// Register 创建普通用户，支持 JSON 与表单。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := request.Bind(c, &req); err != nil {
		response.Fail(c, h.logger, err)
		return
	}

	user, err := h.svc.Register(c.Request.Context(), RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		response.Fail(c, h.logger, err)
		return
	}

	h.queueWelcome(user.Email, user.Username)

	account := user.Sanitize()
	response.Created(c, "registration successful", gin.H{
		"userId":    account.ID,
		"username":  account.Username,
		"email":     account.Email,
		"avatarUrl": account.AvatarURL,
	})
}

func (h *Handler) queueWelcome(email, username string) {
	if h.mailer == nil || h.jobs == nil {
		return
	}
	mailer := h.mailer
	logger := h.logger
	ok := h.jobs.Submit("welcome_email", func(ctx context.Context) error {
		err := mailer.SendWelcome(ctx, email, username)
		if errors.Is(err, notify.ErrNotConfigured) {
			if logger != nil {
				logger.Debug("smtp not configured, skip welcome email", slog.String("to", email))
			}
			return nil
		}
		return err
	})
	if !ok && h.logger != nil {
		h.logger.Warn("welcome email not queued", slog.String("to", email))
	}
}

// Login 普通用户登录。
func (h *Handler) Login(c *gin.Context) {
	username, password, ok := h.bindLogin(c)
	if !ok {
		return
	}
	res, err := h.svc.UserLogin(c.Request.Context(), username, password)
	if err != nil {
		response.Fail(c, h.logger, err)
		return
	}
	response.OK(c, "login successful", res)
}

// AdminLogin 管理员登录。
func (h *Handler) AdminLogin(c *gin.Context) {
	username, password, ok := h.bindLogin(c)
	if !ok {
		return
	}
	res, err := h.svc.AdminLogin(c.Request.Context(), username, password)
	if err != nil {
		response.Fail(c, h.logger, err)
		return
	}
	response.OK(c, "login successful", res)
}

func (h *Handler) bindLogin(c *gin.Context) (string, string, bool) {
	var req loginRequest
	if err := request.Bind(c, &req); err != nil {
		response.Fail(c, h.logger, err)
		return "", "", false
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		response.Fail(c, h.logger, apperr.Validation(msgLoginRequired))
		return "", "", false
	}
	return username, req.Password, true
}

// currentUser 按令牌中的 ID 重新读取用户，失败时已写出响应。
func (h *Handler) currentUser(c *gin.Context) (*model.User, bool) {
	id := CurrentIdentity(c)
	if id.Anonymous() {
		response.Fail(c, h.logger, apperr.Unauthorized("access token missing"))
		return nil, false
	}
	user, err := h.accounts.FindUserByID(c.Request.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Fail(c, h.logger, apperr.NotFound("user not found"))
			return nil, false
		}
		response.Fail(c, h.logger, apperr.Internal(err))
		return nil, false
	}
	return user, true
}

// ValidateToken 校验普通用户令牌并返回最新的用户信息。
func (h *Handler) ValidateToken(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	response.OK(c, "token is valid", gin.H{"valid": true, "user": user.Sanitize()})
}

// UserProfile 返回当前用户资料。
func (h *Handler) UserProfile(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	response.OK(c, "ok", user.Sanitize())
}

// AdminValidateToken 校验管理员令牌。
func (h *Handler) AdminValidateToken(c *gin.Context) {
	id := CurrentIdentity(c)
	if id.Anonymous() {
		response.Fail(c, h.logger, apperr.Unauthorized("access token missing"))
		return
	}
	admin, err := h.accounts.FindAdminByID(c.Request.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Fail(c, h.logger, apperr.NotFound("admin not found"))
			return
		}
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}
	response.OK(c, "token is valid", gin.H{"valid": true, "user": admin.Sanitize()})
}

// AdminProfile 返回当前管理员资料。
func (h *Handler) AdminProfile(c *gin.Context) {
	id := CurrentIdentity(c)
	if id.Anonymous() {
		response.Fail(c, h.logger, apperr.Unauthorized("access token missing"))
		return
	}
	admin, err := h.accounts.FindAdminByID(c.Request.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Fail(c, h.logger, apperr.NotFound("admin not found"))
			return
		}
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}
	response.OK(c, "ok", admin.Sanitize())
}

// Logout 处理注销请求（当前为无状态，直接返回成功）。
func (h *Handler) Logout(c *gin.Context) {
	response.OK(c, "logged out", nil)
}
