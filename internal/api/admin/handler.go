// Package admin 提供管理后台的用户管理与统计接口，所有路由都挂在 RequireAdmin 之后。
package admin

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"imggen/internal/api/auth"
	"imggen/internal/api/request"
	"imggen/internal/api/response"
	"imggen/internal/model"
	"imggen/internal/pkg/apperr"
	"imggen/internal/store"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// UserStore 后台需要的用户读写。
type UserStore interface {
	FindUserByID(ctx context.Context, id uint) (*model.User, error)
	UsernameTaken(ctx context.Context, username string, excludeID uint) (bool, error)
	EmailTaken(ctx context.Context, email string, excludeID uint) (bool, error)
	CreateUser(ctx context.Context, u *model.User) error
	UpdateUser(ctx context.Context, id uint, updates map[string]any) error
	DeleteUser(ctx context.Context, id uint) error
	ListUsers(ctx context.Context, f store.UserFilter) ([]model.User, int64, error)
	CountUsers(ctx context.Context, status string) (int64, error)
}

// ImageCounter 统计生成记录。
type ImageCounter interface {
	Count(ctx context.Context) (int64, error)
}

// ActivityCounter 统计最近活跃用户。
type ActivityCounter interface {
	CountActive(ctx context.Context) (int64, error)
	Window() time.Duration
}

// PasswordHasher 生成密码哈希。
type PasswordHasher interface {
	HashPassword(password string) (string, error)
}

// Handler 管理后台接口。
type Handler struct {
	users    UserStore
	images   ImageCounter
	activity ActivityCounter
	hasher   PasswordHasher
	logger   *slog.Logger
}

// NewHandler 创建 Admin Handler。activity 可为 nil。
func NewHandler(users UserStore, images ImageCounter, activity ActivityCounter, hasher PasswordHasher, logger *slog.Logger) *Handler {
	return &Handler{
		users:    users,
		images:   images,
		activity: activity,
		hasher:   hasher,
		logger:   logger,
	}
}

func validStatus(s string) bool {
	switch s {
	case model.StatusActive, model.StatusInactive, model.StatusBanned:
		return true
	}
	return false
}

// ListUsers 分页查询用户，支持关键词与状态过滤。
func (h *Handler) ListUsers(c *gin.Context) {
	page := parsePositive(c.Query("page"), 1)
	pageSize := parsePositive(c.Query("pageSize"), defaultPageSize)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page = clampPage(page, pageSize)
	status := strings.TrimSpace(c.Query("status"))
	if status != "" && !validStatus(status) {
		response.Fail(c, h.logger, apperr.Validation("invalid status filter"))
		return
	}

	users, total, err := h.users.ListUsers(c.Request.Context(), store.UserFilter{
		Keyword:  c.Query("keyword"),
		Status:   status,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}

	out := make([]model.Account, 0, len(users))
	for i := range users {
		out = append(out, users[i].Sanitize())
	}
	response.OK(c, "ok", gin.H{
		"users": out,
		"pagination": gin.H{
			"page":       page,
			"pageSize":   pageSize,
			"total":      total,
			"totalPages": int(math.Ceil(float64(total) / float64(pageSize))),
		},
	})
}

// GetUser 查询单个用户。
func (h *Handler) GetUser(c *gin.Context) {
	id, ok := h.userID(c)
	if !ok {
		return
	}
	user, err := h.users.FindUserByID(c.Request.Context(), id)
	if err != nil {
		h.failLookup(c, err)
		return
	}
	response.OK(c, "ok", user.Sanitize())
}

type createUserRequest struct {
	Username string `json:"username" binding:"required,min=3,max=20,imgusername"`
	Email    string `json:"email" binding:"required,imgemail"`
	Password string `json:"password" binding:"required,min=6,max=20"`
	Status   string `json:"status" binding:"omitempty,oneof=active inactive banned"`
}

// CreateUser 由管理员创建用户。
func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := request.BindJSON(c, &req); err != nil {
		response.Fail(c, h.logger, err)
		return
	}
	in := auth.RegisterInput{
		Username: req.Username,
		Email:    strings.ToLower(req.Email),
		Password: req.Password,
	}
	status := req.Status
	if status == "" {
		status = model.StatusActive
	}
	if err := h.checkUnique(c.Request.Context(), in.Username, in.Email, 0); err != nil {
		response.Fail(c, h.logger, err)
		return
	}

	hash, err := h.hasher.HashPassword(in.Password)
	if err != nil {
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}
	user := &model.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         model.RoleUser,
		Status:       status,
	}
	if err := h.users.CreateUser(c.Request.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			response.Fail(c, h.logger, apperr.Conflict("username or email already exists"))
			return
		}
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}
	h.audit(c, "user created", user.ID)
	response.Created(c, "user created", user.Sanitize())
}

type updateUserRequest struct {
	Username *string `json:"username" binding:"omitnil,min=3,max=20,imgusername"`
	Email    *string `json:"email" binding:"omitnil,imgemail"`
	Status   *string `json:"status" binding:"omitnil,oneof=active inactive banned"`
	Password *string `json:"password" binding:"omitnil,min=6,max=20"`
}

// UpdateUser 修改用户名、邮箱、状态或密码。
func (h *Handler) UpdateUser(c *gin.Context) {
	id, ok := h.userID(c)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := request.BindJSON(c, &req); err != nil {
		response.Fail(c, h.logger, err)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.users.FindUserByID(ctx, id); err != nil {
		h.failLookup(c, err)
		return
	}

	updates := map[string]any{}
	var username, email string
	if req.Username != nil {
		username = *req.Username
		updates["username"] = username
	}
	if req.Email != nil {
		email = strings.ToLower(*req.Email)
		updates["email"] = email
	}
	if req.Status != nil {
		updates["status"] = *req.Status
	}
	if req.Password != nil {
		hash, err := h.hasher.HashPassword(*req.Password)
		if err != nil {
			response.Fail(c, h.logger, apperr.Internal(err))
			return
		}
		updates["password_hash"] = hash
	}
	if len(updates) == 0 {
		response.Fail(c, h.logger, apperr.Validation("nothing to update"))
		return
	}
	if err := h.checkUnique(ctx, username, email, id); err != nil {
		response.Fail(c, h.logger, err)
		return
	}

	if err := h.users.UpdateUser(ctx, id, updates); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			response.Fail(c, h.logger, apperr.Conflict("username or email already exists"))
		case errors.Is(err, store.ErrNotFound):
			response.Fail(c, h.logger, apperr.NotFound("user not found"))
		default:
			response.Fail(c, h.logger, apperr.Internal(err))
		}
		return
	}

	user, err := h.users.FindUserByID(ctx, id)
	if err != nil {
		h.failLookup(c, err)
		return
	}
	h.audit(c, "user updated", id)
	response.OK(c, "user updated", user.Sanitize())
}

// DeleteUser 删除用户及其生成记录。
func (h *Handler) DeleteUser(c *gin.Context) {
	id, ok := h.userID(c)
	if !ok {
		return
	}
	if err := h.users.DeleteUser(c.Request.Context(), id); err != nil {
		h.failLookup(c, err)
		return
	}
	h.audit(c, "user deleted", id)
	response.OK(c, "user deleted", gin.H{"id": id})
}

// Stats 返回用户与生成记录统计。
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	total, err := h.users.CountUsers(ctx, "")
	if err != nil {
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}
	active, err := h.users.CountUsers(ctx, model.StatusActive)
	if err != nil {
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}
	banned, err := h.users.CountUsers(ctx, model.StatusBanned)
	if err != nil {
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}
	images, err := h.images.Count(ctx)
	if err != nil {
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}

	data := gin.H{
		"total_users":  total,
		"active_users": active,
		"banned_users": banned,
		"total_images": images,
	}
	if h.activity != nil {
		// Redis 不可用时只省略该项
		if n, err := h.activity.CountActive(ctx); err == nil {
			data["recently_active_users"] = n
			data["activity_window"] = h.activity.Window().String()
		} else if h.logger != nil {
			h.logger.Warn("count active users failed", slog.String("error", err.Error()))
		}
	}
	response.OK(c, "ok", data)
}

func (h *Handler) checkUnique(ctx context.Context, username, email string, excludeID uint) error {
	if username != "" {
		taken, err := h.users.UsernameTaken(ctx, username, excludeID)
		if err != nil {
			return apperr.Internal(err)
		}
		if taken {
			return apperr.Conflict("username already exists")
		}
	}
	if email != "" {
		taken, err := h.users.EmailTaken(ctx, email, excludeID)
		if err != nil {
			return apperr.Internal(err)
		}
		if taken {
			return apperr.Conflict("email already registered")
		}
	}
	return nil
}

func (h *Handler) userID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.Fail(c, h.logger, apperr.Validation("invalid user id"))
		return 0, false
	}
	return uint(id), true
}

func (h *Handler) failLookup(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Fail(c, h.logger, apperr.NotFound("user not found"))
		return
	}
	response.Fail(c, h.logger, apperr.Internal(err))
}

func (h *Handler) audit(c *gin.Context, action string, userID uint) {
	if h.logger == nil {
		return
	}
	var adminID uint
	if id := auth.CurrentIdentity(c); id != nil {
		adminID = id.UserID
	}
	h.logger.Info(action,
		slog.Uint64("admin_id", uint64(adminID)),
		slog.Uint64("user_id", uint64(userID)))
}

func parsePositive(raw string, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if n < 1 {
		return 1
	}
	return n
}

// clampPage 限制页码，保证 (page-1)*size 不超过 MaxInt32。
func clampPage(page, size int) int {
	if last := math.MaxInt32/size + 1; page > last {
		return last
	}
	return page
}
